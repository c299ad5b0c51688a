//go:build linux

package agentipc

import (
	"fmt"
	"os"
	"time"
)

// Remote is the agent-side handle of a shared port, living in the
// sandboxed child process. Exactly one producer exists per direction:
// the broker writes inputs, the remote writes outputs.
type Remote[S, I, O any] struct {
	port *SharedPort[S, I, O]
	ring *ring
}

// FromSharedMemory attaches to the ring behind the descriptor the broker
// handed to this process at spawn.
func (p *SharedPort[S, I, O]) FromSharedMemory(f *os.File) (*Remote[S, I, O], error) {
	if err := p.Spec.validate(); err != nil {
		return nil, err
	}
	r, err := attachRing(f, p.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed attaching to shared memory: %w", err)
	}
	return &Remote[S, I, O]{port: p, ring: r}, nil
}

// InitState reads the archived initial state and then grants the broker
// its first input-slot permit, switching the ring into message mode.
func (r *Remote[S, I, O]) InitState() (S, error) {
	state, err := readFrame(r.ring.initBuf(), r.port.InitCodec)
	if err != nil {
		var zero S
		return zero, fmt.Errorf("failed reading init state: %w", err)
	}
	if err := r.ring.inputTx().post(); err != nil {
		var zero S
		return zero, err
	}
	return state, nil
}

// Recv blocks until an input is available. The read slot is always the
// one opposite the next write slot; that is only meaningful while
// input_count >= 1, which the input_rx semaphore guarantees.
func (r *Remote[S, I, O]) Recv() (Input[I], error) {
	if err := r.ring.inputRx().wait(); err != nil {
		return Input[I]{}, err
	}
	idx := 1 - r.ring.inputIndex()
	value, err := readFrame(r.ring.inputBuf(idx), r.port.InputCodec)
	if err != nil {
		// Free the slot even for an undecodable input.
		_ = r.ring.inputTx().post()
		return Input[I]{}, err
	}
	ts := r.ring.inputTS(idx)
	if err := r.ring.inputTx().post(); err != nil {
		return Input[I]{}, err
	}
	return Input[I]{Value: value, SourceTS: time.Unix(0, ts)}, nil
}

// TryRecv probes the input semaphore and receives only when a message is
// already there.
func (r *Remote[S, I, O]) TryRecv() (Input[I], bool, error) {
	if r.ring.inputRx().getvalue() == 0 {
		return Input[I]{}, false, nil
	}
	in, err := r.Recv()
	if err != nil {
		return Input[I]{}, false, err
	}
	return in, true, nil
}

// Send blocks until the output buffer is free, archives the output, and
// signals the broker.
func (r *Remote[S, I, O]) Send(out Output[O]) error {
	if err := r.ring.outputTx().wait(); err != nil {
		return err
	}
	if err := writeFrame(r.ring.outputBuf(), r.port.OutputCodec, out.Value); err != nil {
		_ = r.ring.outputTx().post()
		return err
	}
	r.ring.setOutputTS(out.SourceTS.UnixNano())
	return r.ring.outputRx().post()
}

// TrySend sends only when the output buffer is already free.
func (r *Remote[S, I, O]) TrySend(out Output[O]) (bool, error) {
	if r.ring.outputTx().getvalue() == 0 {
		return false, nil
	}
	if err := r.Send(out); err != nil {
		return false, err
	}
	return true, nil
}

// Close unmaps the ring. The broker owns semaphore destruction.
func (r *Remote[S, I, O]) Close() error {
	return r.ring.unmap()
}
