package panicerr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	sentinel := errors.New("boom")

	assert.NoError(t, Try(func() error { return nil }))
	assert.ErrorIs(t, Try(func() error { return sentinel }), sentinel)

	err := Try(func() error { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSafeContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "v")

	fn := SafeContext(func(ctx context.Context) error {
		if ctx.Value(key{}) != "v" {
			return errors.New("context not passed")
		}
		var m map[string]int
		m["x"] = 1
		return nil
	})
	err := fn(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assignment to entry in nil map")

	assert.NoError(t, Safe(func() error { return nil })())
}
