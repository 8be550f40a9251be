// Package compose builds and advances Chain, Group and Chord structures
// over signatures. Structures decompose into plain envelopes before they
// reach the broker; only the chord join counter is centrally tracked.
package compose

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"relayq/internal/domain"
	"relayq/internal/producer"
	"relayq/internal/result"
)

// Store is the result-store surface the engine needs.
type Store interface {
	result.Store
	result.ChordStore
}

type Engine struct {
	producer *producer.Producer
	store    Store
}

func NewEngine(p *producer.Producer, store Store) *Engine {
	return &Engine{producer: p, store: store}
}

type ChainResult struct {
	// IDs in link order; only the head is enqueued up front, later ids
	// become live as predecessors succeed.
	IDs []string
}

type GroupResult struct {
	IDs []string
}

type ChordResult struct {
	Key       string
	HeaderIDs []string
	BodyID    string
}

// Chain enqueues only the head; the remaining links ride along in the
// envelope and are enqueued one by one as predecessors succeed.
func (e *Engine) Chain(ctx context.Context, sigs ...domain.Signature) (*ChainResult, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("chain needs at least one signature")
	}
	ids := assignIDs(sigs)
	head := sigs[0]
	head.Options.Chain = sigs[1:]
	if _, err := e.producer.Enqueue(ctx, head); err != nil {
		return nil, err
	}
	return &ChainResult{IDs: ids}, nil
}

// Group enqueues every signature independently and concurrently; the
// engine never blocks on completion. Aggregate progress is observed by
// polling each member's result.
func (e *Engine) Group(ctx context.Context, sigs ...domain.Signature) (*GroupResult, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("group needs at least one signature")
	}
	ids := assignIDs(sigs)
	for _, sig := range sigs {
		if _, err := e.producer.Enqueue(ctx, sig); err != nil {
			return &GroupResult{IDs: ids}, err
		}
	}
	return &GroupResult{IDs: ids}, nil
}

// Chord enqueues the header group with shared join state; the body fires
// once, after every header member succeeds, with the ordered header
// results as its leading argument.
func (e *Engine) Chord(ctx context.Context, header []domain.Signature, body domain.Signature) (*ChordResult, error) {
	if len(header) == 0 {
		return nil, fmt.Errorf("chord needs a non-empty header")
	}
	key := "chord_" + uuid.NewString()
	headerIDs := assignIDs(header)
	if body.Options.TaskID == "" {
		body.Options.TaskID = "tsk_" + uuid.NewString()
	}

	if err := e.store.InitChord(ctx, key, len(header)); err != nil {
		return nil, err
	}
	for i := range header {
		header[i].Options.Chord = &domain.ChordRef{
			Key:   key,
			Index: i,
			Size:  len(header),
			Body:  &body,
		}
		if _, err := e.producer.Enqueue(ctx, header[i]); err != nil {
			return nil, err
		}
	}
	return &ChordResult{Key: key, HeaderIDs: headerIDs, BodyID: body.Options.TaskID}, nil
}

// OnSuccess advances composition after a terminal SUCCESS: it enqueues
// the next chain link and settles chord membership. Called by the worker
// pool after the result is recorded and before the envelope is acked.
func (e *Engine) OnSuccess(ctx context.Context, env domain.Envelope, value json.RawMessage) {
	opts := env.Signature.Options

	if len(opts.Chain) > 0 {
		next := opts.Chain[0]
		next.Options.Chain = opts.Chain[1:]
		if !next.Options.Immutable {
			next = next.PrependArg(decode(value))
		}
		if _, err := e.producer.Enqueue(ctx, next); err != nil {
			log.Error().Err(err).Str("task", next.Name).Msg("failed to enqueue next chain link")
		}
	}

	if opts.Chord != nil {
		e.completeChordMember(ctx, *opts.Chord, value)
	}
}

// OnTerminalFailure poisons whatever composition the envelope belongs
// to: later chain links are never enqueued and get failure records, and
// one failed chord header member suppresses the body.
func (e *Engine) OnTerminalFailure(ctx context.Context, env domain.Envelope, f *domain.Failure) {
	opts := env.Signature.Options

	for _, link := range opts.Chain {
		id := link.Options.TaskID
		if id == "" {
			continue
		}
		abandoned := &domain.Failure{
			Kind:    domain.KindPermanent,
			Message: fmt.Sprintf("chain broken upstream by %s (%s)", env.ID, f.Kind),
		}
		if err := e.store.SetStatus(ctx, id, domain.StatusFailure, nil, abandoned, ""); err != nil {
			log.Warn().Err(err).Str("task_id", id).Msg("failed to mark abandoned chain link")
		}
	}

	if opts.Chord != nil {
		e.poisonChord(ctx, *opts.Chord, f)
	}
}

func (e *Engine) completeChordMember(ctx context.Context, ref domain.ChordRef, value json.RawMessage) {
	done, err := e.store.CompleteMember(ctx, ref.Key, ref.Index, value)
	if err != nil {
		log.Error().Err(err).Str("chord", ref.Key).Msg("chord member completion failed")
		return
	}
	if !done {
		return
	}
	raw, err := e.store.ChordResults(ctx, ref.Key)
	if err != nil {
		log.Error().Err(err).Str("chord", ref.Key).Msg("chord results unavailable")
		return
	}
	results := make([]any, len(raw))
	for i, r := range raw {
		results[i] = decode(r)
	}

	body := *ref.Body
	if !body.Options.Immutable {
		body = body.PrependArg(results)
	}
	if _, err := e.producer.Enqueue(ctx, body); err != nil {
		log.Error().Err(err).Str("chord", ref.Key).Msg("failed to enqueue chord body")
	}
}

func (e *Engine) poisonChord(ctx context.Context, ref domain.ChordRef, f *domain.Failure) {
	first, err := e.store.PoisonChord(ctx, ref.Key)
	if err != nil {
		log.Error().Err(err).Str("chord", ref.Key).Msg("chord poisoning failed")
		return
	}
	if !first || ref.Body == nil || ref.Body.Options.TaskID == "" {
		return
	}
	bodyFailure := &domain.Failure{
		Kind:    domain.KindPermanent,
		Message: fmt.Sprintf("chord header member %d failed (%s)", ref.Index, f.Kind),
	}
	if err := e.store.SetStatus(ctx, ref.Body.Options.TaskID, domain.StatusFailure, nil, bodyFailure, ""); err != nil {
		log.Warn().Err(err).Str("chord", ref.Key).Msg("failed to mark chord body failed")
	}
}

func assignIDs(sigs []domain.Signature) []string {
	ids := make([]string, len(sigs))
	for i := range sigs {
		if sigs[i].Options.TaskID == "" {
			sigs[i].Options.TaskID = "tsk_" + uuid.NewString()
		}
		ids[i] = sigs[i].Options.TaskID
	}
	return ids
}

func decode(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
