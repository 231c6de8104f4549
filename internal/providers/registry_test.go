package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct{ name string }

func (s stubGenerator) Name() string { return s.name }
func (s stubGenerator) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Done: true}
	close(ch)
	return ch, nil
}

func TestRegistry_RegisterGetNames(t *testing.T) {
	r := NewRegistry()
	r.Register("anthropic", stubGenerator{name: "anthropic"})
	r.Register("openai", stubGenerator{name: "openai"})

	gen, err := r.Get("anthropic")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", gen.Name())

	_, err = r.Get("missing")
	require.Error(t, err)

	assert.ElementsMatch(t, []string{"anthropic", "openai"}, r.Names())
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	attempts := 0
	sentinel := errors.New("fatal")
	err := Retry(context.Background(), 3, time.Millisecond, func(error) bool { return false }, func() error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
}

func TestRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Retry(ctx, 3, time.Millisecond, func(error) bool { return true }, func() error {
		attempts++
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
