package venue

import (
	"tradedesk/pkg/models"
)

// OnBalance registers a balance subscriber and returns its unsubscribe
// function. A late subscriber immediately receives the last known snapshot.
func (s *Session) OnBalance(handler func([]models.Balance)) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.balanceSubs[id] = handler
	s.subsMu.Unlock()

	if snap := s.Balances(); len(snap) > 0 {
		s.dispatch(func() { handler(snap) })
	}
	return func() {
		s.subsMu.Lock()
		delete(s.balanceSubs, id)
		s.subsMu.Unlock()
	}
}

// OnPositions registers a position subscriber with last-value replay.
func (s *Session) OnPositions(handler func([]models.Position)) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.positionSubs[id] = handler
	s.subsMu.Unlock()

	if snap := s.Positions(); len(snap) > 0 {
		s.dispatch(func() { handler(snap) })
	}
	return func() {
		s.subsMu.Lock()
		delete(s.positionSubs, id)
		s.subsMu.Unlock()
	}
}

// OnStatus registers a connection-status subscriber. The current status is
// delivered immediately.
func (s *Session) OnStatus(handler func(models.ConnStatus)) func() {
	s.subsMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.statusSubs[id] = handler
	s.subsMu.Unlock()

	status := s.Status()
	s.dispatch(func() { handler(status) })
	return func() {
		s.subsMu.Lock()
		delete(s.statusSubs, id)
		s.subsMu.Unlock()
	}
}

func (s *Session) notifyBalances() {
	snap := s.Balances()
	s.subsMu.Lock()
	handlers := make([]func([]models.Balance), 0, len(s.balanceSubs))
	for _, h := range s.balanceSubs {
		handlers = append(handlers, h)
	}
	s.subsMu.Unlock()
	for _, h := range handlers {
		h := h
		s.dispatch(func() { h(snap) })
	}
}

func (s *Session) notifyPositions() {
	snap := s.Positions()
	s.subsMu.Lock()
	handlers := make([]func([]models.Position), 0, len(s.positionSubs))
	for _, h := range s.positionSubs {
		handlers = append(handlers, h)
	}
	s.subsMu.Unlock()
	for _, h := range handlers {
		h := h
		s.dispatch(func() { h(snap) })
	}
}

func (s *Session) setStatus(status models.ConnStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if !changed {
		return
	}

	s.subsMu.Lock()
	handlers := make([]func(models.ConnStatus), 0, len(s.statusSubs))
	for _, h := range s.statusSubs {
		handlers = append(handlers, h)
	}
	s.subsMu.Unlock()
	for _, h := range handlers {
		h := h
		s.dispatch(func() { h(status) })
	}
}

// dispatch runs one subscriber synchronously, recovering panics so a broken
// handler never breaks fan-out to its siblings.
func (s *Session) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Subscriber panicked")
		}
	}()
	fn()
}
