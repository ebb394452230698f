package manager

import (
	"context"
	"time"

	"github.com/loykin/tether/internal/process"
)

// ctrlType enumerates control message kinds handled by a supervisor.
type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlUpdate
	ctrlShutdown
)

func (t ctrlType) String() string {
	switch t {
	case ctrlStart:
		return "start"
	case ctrlStop:
		return "stop"
	case ctrlRestart:
		return "restart"
	case ctrlUpdate:
		return "update"
	case ctrlShutdown:
		return "shutdown"
	}
	return "unknown"
}

// ctrlMsg is a control-plane message; the supervisor loop applies them one
// at a time so lifecycle operations on one app never interleave.
type ctrlMsg struct {
	typ   ctrlType
	ctx   context.Context
	spec  process.Spec
	grace time.Duration
	reply chan error
}

// send delivers msg and waits for its result.
func (s *supervisor) send(ctx context.Context, msg ctrlMsg) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if msg.ctx == nil {
		msg.ctx = ctx
	}
	msg.reply = make(chan error, 1)
	select {
	case s.ctrl <- msg:
	case <-s.quit:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.reply:
		return err
	case <-s.quit:
		select {
		case err := <-msg.reply:
			return err
		default:
			return ErrShutdown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *supervisor) handle(loopCtx context.Context, msg ctrlMsg) error {
	s.m.log.Debug("control", "name", s.name, "op", msg.typ.String())
	switch msg.typ {
	case ctrlStart:
		if s.running() {
			return nil
		}
		s.cancelRestart()
		s.clearErrored()
		return s.launch(loopCtx, msg.ctx)

	case ctrlStop:
		s.cancelRestart()
		s.watchStop()
		err := s.stopCurrent(msg.grace)
		s.clearErrored()
		s.transition(process.StateStopped)
		return err

	case ctrlRestart:
		s.cancelRestart()
		if err := s.stopCurrent(0); err != nil {
			return err
		}
		s.clearErrored()
		s.bump("manual")
		return s.launch(loopCtx, msg.ctx)

	case ctrlUpdate:
		wasRunning := s.running()
		s.cancelRestart()
		s.watchStop()
		if err := s.stopCurrent(0); err != nil {
			return err
		}
		s.mu.Lock()
		s.spec = msg.spec
		s.mu.Unlock()
		if !wasRunning {
			return nil
		}
		s.clearErrored()
		s.bump("config")
		return s.launch(loopCtx, msg.ctx)

	case ctrlShutdown:
		return s.shutdown()
	}
	return nil
}
