package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/trezcool/nexlearn/core"
)

const storeKey = "nex_user"

// Store keeps the signed-in learner's profile snapshot in the local key/value storage.
// Storage failures are logged and otherwise ignored: the store never fails its callers.
type Store struct {
	kv     core.KVStore
	bus    *core.EventBus
	logger core.Logger
	mu     sync.Mutex // serializes Update
}

func NewStore(kv core.KVStore, bus *core.EventBus, logger core.Logger) *Store {
	return &Store{kv: kv, bus: bus, logger: logger}
}

// Get returns the current snapshot; false if it was never set or cannot be decoded.
func (s *Store) Get() (Profile, bool) {
	raw, err := s.kv.Get(context.Background(), storeKey)
	if err != nil {
		if err != core.ErrKeyNotFound {
			s.logger.Warn(fmt.Sprintf("reading profile: %v", err), err)
		}
		return Profile{}, false
	}

	var p Profile
	if err = json.Unmarshal([]byte(raw), &p); err != nil || p.IsZero() {
		return Profile{}, false
	}
	p.Normalize()
	return p, true
}

// Set overwrites the snapshot and notifies subscribers.
func (s *Store) Set(p Profile) {
	p.Normalize()
	data, err := json.Marshal(p)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("encoding profile: %v", err), err)
		return
	}
	if err = s.kv.Set(context.Background(), storeKey, string(data)); err != nil {
		s.logger.Warn(fmt.Sprintf("saving profile: %v", err), err)
		return
	}
	s.bus.Publish(core.EventProfileChanged, p)
}

// Clear removes the snapshot and notifies subscribers with an empty profile.
func (s *Store) Clear() {
	if err := s.kv.Delete(context.Background(), storeKey); err != nil {
		s.logger.Warn(fmt.Sprintf("clearing profile: %v", err), err)
		return
	}
	s.bus.Publish(core.EventProfileChanged, Profile{})
}

// Update applies fn to the current snapshot and saves it.
// Returns false (without calling fn) when no one is signed in.
func (s *Store) Update(fn func(p *Profile)) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.Get()
	if !ok {
		return Profile{}, false
	}
	fn(&p)
	s.Set(p)
	return p, true
}
