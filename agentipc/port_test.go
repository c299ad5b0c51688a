package agentipc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainPreservesSourceTimestamp(t *testing.T) {
	in := NewInput("frame")
	out := Chain(in, 42)
	assert.Equal(t, in.SourceTS, out.SourceTS)
	assert.Equal(t, 42, out.Value)

	derived := Derive(in, 3.14)
	assert.Equal(t, in.SourceTS, derived.SourceTS)

	next := ChainInput(out, "downstream")
	assert.Equal(t, in.SourceTS, next.SourceTS)
}

func TestNewPortCapacities(t *testing.T) {
	inner, outer := New[string, int](PortSpec{InputCapacity: 2, OutputCapacity: 1})

	outer.Tx <- NewInput("a")
	outer.Tx <- NewInput("b")
	select {
	case outer.Tx <- NewInput("c"):
		t.Fatal("input channel accepted more than its capacity")
	default:
	}

	assert.Equal(t, "a", (<-inner.Rx).Value)
	assert.Equal(t, "b", (<-inner.Rx).Value)
}

// SendUnjam resolves the deadlock where the agent blocks sending an
// output while the broker blocks sending an input.
func TestSendUnjam(t *testing.T) {
	inner, outer := New[string, int](PortSpec{})

	// The agent is blocked mid-send on the rendezvous output channel.
	agentDone := make(chan struct{})
	go func() {
		inner.Tx <- NewOutput(7)
		close(agentDone)
	}()

	// A plain send would deadlock: the agent is not reading inputs. The
	// unjamming send drops the pending output and completes.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvDone := make(chan struct{})
	go func() {
		// The agent picks the input up after its own send unblocks.
		<-agentDone
		<-inner.Rx
		close(recvDone)
	}()

	require.NoError(t, outer.SendUnjam(ctx, NewInput("unjam")))
	<-recvDone
}

func TestSendUnjamClosedPort(t *testing.T) {
	_, outer := New[string, int](PortSpec{})
	close(outer.Rx)

	err := outer.SendUnjam(context.Background(), NewInput("x"))
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestSendUnjamPrefersSend(t *testing.T) {
	inner, outer := New[string, int](PortSpec{InputCapacity: 1, OutputCapacity: 1})
	inner.Tx <- NewOutput(1)

	// Input capacity is free: the send completes without consuming the
	// pending output.
	require.NoError(t, outer.SendUnjam(context.Background(), NewInput("x")))
	select {
	case out := <-outer.Rx:
		assert.Equal(t, 1, out.Value)
	default:
		t.Fatal("pending output was dropped even though the send could complete")
	}
}
