//go:build linux

package agentipc

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"
)

// SharedPort binds the codecs and archived sizes of a port whose agent
// runs in a separate process.
type SharedPort[S, I, O any] struct {
	Spec        SharedSpec
	InitCodec   Codec[S]
	InputCodec  Codec[I]
	OutputCodec Codec[O]
}

// ReplayInput is an archived input that was handed to a ring but never
// seen by the agent: the framed slot contents plus the source timestamp.
// A broker respawning an agent passes these back so no input is lost.
type ReplayInput struct {
	Data     []byte
	SourceTS time.Time
}

// CloseFunc tears a shared ring down: it cancels both pump tasks, drains
// unseen inputs into the replay buffer, destroys the ring, and returns
// the in-process handle for reuse.
type CloseFunc[I, O any] func() (*Inner[I, O], []ReplayInput, error)

// IntoSharedMemory moves an in-process port into a shared-memory ring.
//
// It creates the memfd-backed ring, archives the initial state into the
// data region before the ring enters message mode, and starts the two
// pump tasks: the tx task forwards agent outputs from the ring into the
// in-process output channel, and the rx task feeds inputs (replayed ones
// first) from the in-process input channel into the ring.
//
// The returned file descriptor is handed to the spawned child, which
// must attach with the same spec.
func (p *SharedPort[S, I, O]) IntoSharedMemory(log *slog.Logger, inner *Inner[I, O], name string, initState S, replay []ReplayInput) (*os.File, CloseFunc[I, O], error) {
	if err := p.Spec.validate(); err != nil {
		return nil, nil, err
	}
	r, f, err := createRing(name, p.Spec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed creating shared memory for %q: %w", name, err)
	}
	if err := writeFrame(r.initBuf(), p.InitCodec, initState); err != nil {
		_ = r.destroy()
		f.Close()
		return nil, nil, fmt.Errorf("failed archiving init state for %q: %w", name, err)
	}

	stopTx := make(chan struct{})
	stopRx := make(chan struct{})
	txDone := make(chan struct{})
	rxLeftover := make(chan []ReplayInput, 1)

	go p.txTask(log, r, inner, stopTx, txDone)
	go p.rxTask(log, r, inner, slices.Clone(replay), stopRx, rxLeftover)

	closeRing := func() (*Inner[I, O], []ReplayInput, error) {
		close(stopTx)
		close(stopRx)
		// Compensating posts: whichever semaphore a task is blocked on
		// gets a wake so the task can observe the stop signal and exit.
		_ = r.outputRx().post()
		_ = r.inputTx().post()
		<-txDone
		leftover := <-rxLeftover

		leftover = append(leftover, r.drainInputs()...)
		if err := r.destroy(); err != nil {
			// Cleanup continues inside destroy; the error is reported.
			return inner, leftover, fmt.Errorf("failed destroying shared memory for %q: %w", name, err)
		}
		return inner, leftover, nil
	}
	return f, closeRing, nil
}

// txTask pumps archived outputs out of the ring into the in-process
// output channel.
func (p *SharedPort[S, I, O]) txTask(log *slog.Logger, r *ring, inner *Inner[I, O], stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		if err := r.outputRx().wait(); err != nil {
			log.Error("output semaphore failure", "error", err)
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		value, err := readFrame(r.outputBuf(), p.OutputCodec)
		ts := time.Unix(0, r.outputTS())
		if postErr := r.outputTx().post(); postErr != nil {
			log.Error("output semaphore failure", "error", postErr)
			return
		}
		if err != nil {
			log.Error("failed decoding agent output", "error", err)
			continue
		}

		select {
		case inner.Tx <- Output[O]{Value: value, SourceTS: ts}:
		case <-stop:
			return
		}
	}
}

// rxTask pumps inputs into the ring: a free slot is awaited first, then
// the next message is taken, preferring undelivered replay inputs over
// fresh ones from the in-process channel.
func (p *SharedPort[S, I, O]) rxTask(log *slog.Logger, r *ring, inner *Inner[I, O], pending []ReplayInput, stop <-chan struct{}, leftover chan<- []ReplayInput) {
	defer func() { leftover <- pending }()
	for {
		if err := r.inputTx().wait(); err != nil {
			log.Error("input semaphore failure", "error", err)
			return
		}
		select {
		case <-stop:
			return
		default:
		}

		var err error
		if n := len(pending); n > 0 {
			item := pending[n-1]
			pending = pending[:n-1]
			err = r.pushInput(func(slot []byte) error {
				copy(slot, item.Data)
				return nil
			}, item.SourceTS)
		} else {
			select {
			case in, ok := <-inner.Rx:
				if !ok {
					return
				}
				err = r.pushInput(func(slot []byte) error {
					return writeFrame(slot, p.InputCodec, in.Value)
				}, in.SourceTS)
			case <-stop:
				return
			}
		}
		if err != nil {
			log.Error("failed archiving agent input", "error", err)
			continue
		}
		if err := r.inputRx().post(); err != nil {
			log.Error("input semaphore failure", "error", err)
			return
		}
	}
}
