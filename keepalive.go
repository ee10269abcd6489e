package ftp

import (
	"context"
	"time"
)

// startKeepAlive starts a goroutine that sends NOOP commands
// if the session has been idle for the configured idleTimeout.
func (s *Session) startKeepAlive() {
	if s.idleTimeout == 0 {
		return
	}

	quit := make(chan struct{})
	s.mu.Lock()
	if s.quitChan != nil {
		close(s.quitChan)
	}
	s.quitChan = quit
	s.mu.Unlock()

	// check at half the idle timeout
	ticker := time.NewTicker(s.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.mu.Lock()
				last := s.lastCommand
				s.mu.Unlock()

				if time.Since(last) >= s.idleTimeout {
					s.keepAlive()
				}
			case <-quit:
				return
			}
		}
	}()
}

// keepAlive sends one NOOP unless another operation holds the session.
func (s *Session) keepAlive() {
	if !s.cmdGate.TryAcquire(1) {
		return
	}
	defer s.cmdGate.Release(1)

	prev, ok := s.state.transition(StateBusy, StateIdle)
	if !ok {
		return
	}
	defer s.state.set(prev, nil)

	control := s.currentControl()
	if control == nil {
		return
	}
	s.logger.Debug("sending keep-alive NOOP")
	ctx, cancel := context.WithTimeout(context.Background(), s.commandTimeout)
	defer cancel()
	// the next command reports a dead connection
	if _, err := s.performCommand(ctx, control, noopCommand()); err != nil {
		s.logger.Debug("keep-alive NOOP failed", "error", err)
	}
}

// stopKeepAlive stops the keep-alive goroutine, if running.
func (s *Session) stopKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quitChan != nil {
		close(s.quitChan)
		s.quitChan = nil
	}
}
