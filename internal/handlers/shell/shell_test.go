package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/domain"
	"relayq/internal/task"
)

func TestRunCommand(t *testing.T) {
	out, err := Run(context.Background(), task.Invocation{
		Kwargs: map[string]any{"command": "echo", "args": []any{"hello"}},
	})
	require.NoError(t, err)
	res, ok := out.(output)
	require.True(t, ok)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Output)
}

func TestMissingCommand(t *testing.T) {
	_, err := Run(context.Background(), task.Invocation{Kwargs: map[string]any{}})
	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.KindPermanent, f.Kind)
}

func TestNonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), task.Invocation{
		Kwargs: map[string]any{"command": "false"},
	})
	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.KindPermanent, f.Kind)
	assert.Contains(t, f.Message, "exited 1")
}

func TestUnknownBinary(t *testing.T) {
	_, err := Run(context.Background(), task.Invocation{
		Kwargs: map[string]any{"command": "definitely-not-a-binary-xyz"},
	})
	var f *domain.Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, domain.KindPermanent, f.Kind)
}
