package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		require.FailNow(t, "goroutine MUST run")
	}
}

func TestGetNameOutsideGoroutine(t *testing.T) {
	assert.Empty(t, GetName(context.Background()))
	assert.Empty(t, GetName(nil)) //nolint:staticcheck
}
