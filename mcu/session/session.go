// Package session drives framed protobuf conversations with the orb's
// microcontrollers over ISO-TP, tracking acknowledgement numbers and
// retrying within a bounded ladder.
package session

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openorb/orbcore/mcu/isotp"
	"github.com/openorb/orbcore/mcu/wire"
)

const (
	defaultAckTimeout    = 2500 * time.Millisecond
	defaultSendAttempts  = 3
	defaultThrottleDelay = 40 * time.Millisecond
)

// ErrAckTimeout reports that no matching ack arrived within the window.
var ErrAckTimeout = errors.New("timed out waiting for ack")

// ErrAckMismatch reports that only acks with unexpected numbers arrived.
var ErrAckMismatch = errors.New("received ack with mismatched number")

// AckCodeError reports a non-success ack from the MCU.
type AckCodeError struct {
	Code wire.AckError
}

func (e *AckCodeError) Error() string {
	return fmt.Sprintf("mcu acknowledged with error code %s", e.Code)
}

// DialFunc opens one direction of an ISO-TP conversation.
type DialFunc func(bus string, rxID, txID uint32) (io.ReadWriteCloser, error)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Local is the node id this process transmits as.
	Local  isotp.NodeID
	Remote isotp.NodeID
	Bus    string
	// Dial defaults to the kernel ISO-TP socket; tests inject pipes.
	Dial DialFunc

	AckTimeout    time.Duration
	SendAttempts  int
	ThrottleDelay time.Duration
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Local == 0 {
		c.Local = isotp.UpdateAgent
	}
	if c.Remote == 0 {
		return errors.New("remote node id is required")
	}
	if c.Bus == "" {
		return errors.New("bus is required")
	}
	if c.Dial == nil {
		c.Dial = platformDial
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.SendAttempts == 0 {
		c.SendAttempts = defaultSendAttempts
	}
	if c.ThrottleDelay == 0 {
		c.ThrottleDelay = defaultThrottleDelay
	}
	return nil
}

// Session is one ack-tracked conversation with a microcontroller. It owns
// a transmit stream, a receive stream, and the goroutine that routes
// decoded frames into the ack and message channels.
type Session struct {
	cfg Config

	tx io.ReadWriteCloser
	rx io.ReadWriteCloser

	acks chan wire.Ack
	msgs chan *wire.McuMessage

	quit     chan struct{}
	recvDone chan struct{}

	ackNum uint32
}

// New binds both directions of the conversation and starts the receive
// goroutine.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	txRx, txTx := isotp.AddressPair(cfg.Local, cfg.Remote)
	tx, err := cfg.Dial(cfg.Bus, txRx, txTx)
	if err != nil {
		return nil, fmt.Errorf("failed binding tx stream to %s on %q: %w", cfg.Remote, cfg.Bus, err)
	}
	cfg.Logger.Debug("bound tx socket", "bus", cfg.Bus, "rx", fmt.Sprintf("0x%x", txRx), "tx", fmt.Sprintf("0x%x", txTx))

	// The receive leg swaps source and destination nibbles.
	rxRx, rxTx := isotp.AddressPair(cfg.Remote, cfg.Local)
	rx, err := cfg.Dial(cfg.Bus, rxRx, rxTx)
	if err != nil {
		tx.Close()
		return nil, fmt.Errorf("failed binding rx stream from %s on %q: %w", cfg.Remote, cfg.Bus, err)
	}
	cfg.Logger.Debug("bound rx socket", "bus", cfg.Bus, "rx", fmt.Sprintf("0x%x", rxRx), "tx", fmt.Sprintf("0x%x", rxTx))

	s := &Session{
		cfg:      cfg,
		tx:       tx,
		rx:       rx,
		acks:     make(chan wire.Ack, 64),
		msgs:     make(chan *wire.McuMessage, 64),
		quit:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}
	go s.recvLoop()
	return s, nil
}

// Messages exposes the non-ack payloads the MCU pushes on this
// conversation.
func (s *Session) Messages() <-chan *wire.McuMessage { return s.msgs }

// Close signals the receive goroutine and closes the receive stream before
// joining it, so a blocked read returns and the goroutine exits, then
// closes the transmit stream.
func (s *Session) Close() error {
	close(s.quit)
	err := s.rx.Close()
	<-s.recvDone
	if txErr := s.tx.Close(); err == nil {
		err = txErr
	}
	return err
}

// recvLoop decodes each frame and routes acks to the ack channel and
// everything else to the message channel. It exits when Close signals the
// quit channel or the stream dies.
func (s *Session) recvLoop() {
	defer close(s.recvDone)
	buffer := make([]byte, 1024)
	for {
		n, err := s.rx.Read(buffer)
		if err != nil {
			select {
			case <-s.quit:
			default:
				s.cfg.Logger.Warn("failed reading from mcu stream; closing recv worker", "error", err)
			}
			return
		}
		msg, _, err := wire.UnmarshalLengthDelimited(buffer[:n])
		if err != nil {
			s.cfg.Logger.Warn("failed decoding mcu protobuf message", "error", err)
			continue
		}
		if msg.Version != wire.Version0 {
			s.cfg.Logger.Warn("received unknown mcu message version", "version", int32(msg.Version))
			continue
		}

		var ack *wire.Ack
		switch {
		case msg.McuToJetson != nil && msg.McuToJetson.Ack != nil:
			ack = msg.McuToJetson.Ack
		case msg.SecToJetson != nil && msg.SecToJetson.Ack != nil:
			ack = msg.SecToJetson.Ack
		}
		if ack == nil {
			select {
			case s.msgs <- msg:
			case <-s.quit:
				return
			default:
				s.cfg.Logger.Warn("mcu message channel full; dropping payload")
			}
			continue
		}

		if ack.AckNumber%100 == 0 || ack.Error != wire.AckSuccess {
			s.cfg.Logger.Info("received ack", "number", ack.AckNumber, "error", ack.Error.String())
		}
		select {
		case s.acks <- *ack:
		case <-s.quit:
			return
		default:
			s.cfg.Logger.Warn("ack channel full; dropping ack", "number", ack.AckNumber)
		}
	}
}

// Send frames the payload for the session's remote, writes it, and waits
// for a matching ack, retrying within the ladder. The ack number advances
// only after a successful exchange.
func (s *Session) Send(payload wire.Payload) error {
	msg := &wire.McuMessage{Version: wire.Version0}
	switch s.cfg.Remote {
	case isotp.MainMcu:
		msg.JetsonToMcu = &wire.JetsonToMcu{AckNumber: s.ackNum, Payload: payload}
	case isotp.SecurityMcu:
		msg.JetsonToSec = &wire.JetsonToSec{AckNumber: s.ackNum, Payload: payload}
	default:
		return fmt.Errorf("node %s is not a microcontroller", s.cfg.Remote)
	}
	frame, err := msg.MarshalLengthDelimited()
	if err != nil {
		return err
	}
	if err := s.sendWaitAckRetry(frame); err != nil {
		return fmt.Errorf("message not sent (ack #%d): %w", s.ackNum, err)
	}
	s.ackNum++
	return nil
}

// sendWaitAckRetry implements the ladder: timeouts, mismatches, and write
// errors back off for twice the throttle delay and retry; a Range ack on a
// retry means the previous attempt already landed and counts as success;
// any other ack code fails immediately.
func (s *Session) sendWaitAckRetry(frame []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.SendAttempts; attempt++ {
		err := s.sendWaitAck(frame)
		if err == nil {
			return nil
		}

		var ackErr *AckCodeError
		if errors.As(err, &ackErr) {
			if ackErr.Code == wire.AckRange && attempt > 1 {
				s.cfg.Logger.Warn("block already received by microcontroller? considering it a success", "ack", s.ackNum)
				return nil
			}
			return err
		}

		lastErr = err
		if attempt == s.cfg.SendAttempts {
			s.cfg.Logger.Warn("sending ack-expectant frame failed; attempts exhausted", "attempts", s.cfg.SendAttempts, "error", err)
			break
		}
		s.cfg.Logger.Warn("sending ack-expectant frame failed; retrying", "attempts_left", s.cfg.SendAttempts-attempt, "error", err)
		// Bus is busy? Wait a bit before retrying.
		s.cfg.Clock.Sleep(2 * s.cfg.ThrottleDelay)
	}
	return lastErr
}

func (s *Session) sendWaitAck(frame []byte) error {
	s.drainStaleAcks()
	if _, err := s.tx.Write(frame); err != nil {
		return fmt.Errorf("failed writing frame: %w", err)
	}
	return s.waitAck()
}

func (s *Session) drainStaleAcks() {
	for {
		select {
		case <-s.acks:
		default:
			return
		}
	}
}

func (s *Session) waitAck() error {
	timer := s.cfg.Clock.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()

	status := ErrAckTimeout
	for {
		select {
		case ack := <-s.acks:
			switch {
			case ack.AckNumber == s.ackNum && ack.Error == wire.AckSuccess:
				return nil
			case ack.AckNumber == s.ackNum:
				return &AckCodeError{Code: ack.Error}
			default:
				status = ErrAckMismatch
			}
		case <-timer.Chan():
			return status
		}
	}
}
