// Package creds owns the venue API credentials: an in-memory store with
// change notifications, optionally seeded from GCP Secret Manager. Secrets
// are never written to disk by this package.
package creds

import (
	"sync"

	"github.com/sirupsen/logrus"

	"tradedesk/pkg/models"
)

// Store holds the current credentials. The trading session subscribes to
// changes and forces a reconnect whenever they move.
type Store struct {
	log *logrus.Logger

	mu      sync.RWMutex
	current models.Credentials

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]func(models.Credentials)
}

func NewStore(log *logrus.Logger) *Store {
	return &Store{
		log:  log,
		subs: make(map[int]func(models.Credentials)),
	}
}

// Credentials returns the current pair. Satisfies venue.CredentialProvider.
func (s *Store) Credentials() models.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the credentials and notifies subscribers.
func (s *Store) Set(c models.Credentials) {
	s.mu.Lock()
	unchanged := s.current == c
	s.current = c
	s.mu.Unlock()
	if unchanged {
		return
	}
	s.log.WithField("network", c.Network).Info("Credentials updated")
	s.notify(c)
}

// Clear wipes the credentials and notifies subscribers.
func (s *Store) Clear() {
	s.Set(models.Credentials{})
}

// OnChange registers a change handler and returns its unsubscribe function.
func (s *Store) OnChange(handler func(models.Credentials)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = handler
	s.subsMu.Unlock()
	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

func (s *Store) notify(c models.Credentials) {
	s.subsMu.Lock()
	handlers := make([]func(models.Credentials), 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subsMu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("panic", r).Error("Credential subscriber panicked")
				}
			}()
			h(c)
		}()
	}
}
