package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const WaitShort = 5 * time.Second

// Context returns a context canceled after WaitShort or when the test ends.
func Context(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), WaitShort)
	t.Cleanup(cancel)
	return ctx
}

// RequireReceive receives a value from c or fails the test when ctx expires
// or c is closed.
func RequireReceive[A any](ctx context.Context, t testing.TB, c <-chan A) A {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireReceive: context expired")
		var a A
		return a
	case a, ok := <-c:
		if !ok {
			require.Fail(t, "RequireReceive: channel closed")
		}
		return a
	}
}

// RequireClosed waits for c to be closed.
func RequireClosed[A any](ctx context.Context, t testing.TB, c <-chan A) {
	t.Helper()
	select {
	case <-ctx.Done():
		require.Fail(t, "RequireClosed: context expired")
	case <-c:
	}
}
