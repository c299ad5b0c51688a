package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueGetSet(t *testing.T) {
	v := NewValue("")
	assert.Equal(t, "", v.Get())
	v.Set("token")
	assert.Equal(t, "token", v.Get())
}

func TestSubscribeObservesChanges(t *testing.T) {
	v := NewValue(false)
	sub := v.Subscribe()

	v.Set(true)
	require.True(t, <-sub)

	// Unchanged set does not notify.
	v.Set(true)
	select {
	case got := <-sub:
		t.Fatalf("unexpected notification: %v", got)
	default:
	}
}

func TestSubscribeLatestWins(t *testing.T) {
	v := NewValue(0)
	sub := v.Subscribe()

	v.Set(1)
	v.Set(2)
	v.Set(3)

	assert.Equal(t, 3, <-sub)
	select {
	case got := <-sub:
		t.Fatalf("stale notification: %v", got)
	default:
	}
}
