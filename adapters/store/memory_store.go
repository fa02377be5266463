package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
)

type refreshEntry struct {
	refreshID string
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of the Store interface.
// Expired entries are invisible to readers and removed by Sweep.
type MemoryStore struct {
	clock ports.Clock

	mu         sync.RWMutex
	challenges map[string]core.Challenge
	families   map[string]map[string]refreshEntry
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(clock ports.Clock) *MemoryStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryStore{
		clock:      clock,
		challenges: make(map[string]core.Challenge),
		families:   make(map[string]map[string]refreshEntry),
	}
}

var _ ports.Store = (*MemoryStore)(nil)

// PutChallenge stores a challenge, replacing any prior one for the address
func (s *MemoryStore) PutChallenge(ctx context.Context, c core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.challenges[c.Address] = c
	return nil
}

// GetChallenge returns the active challenge for address
func (s *MemoryStore) GetChallenge(ctx context.Context, address string) (core.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[address]
	if !ok {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	return c, nil
}

// ConsumeChallenge deletes the challenge if its nonce matches
func (s *MemoryStore) ConsumeChallenge(ctx context.Context, address, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[address]
	if !ok || c.Nonce != nonce {
		return false, nil
	}
	delete(s.challenges, address)
	return true, nil
}

// IssueRefresh records refreshID as the current id of a new or existing family
func (s *MemoryStore) IssueRefresh(ctx context.Context, address, familyID, refreshID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fams, ok := s.families[address]
	if !ok {
		fams = make(map[string]refreshEntry)
		s.families[address] = fams
	}
	fams[familyID] = refreshEntry{refreshID: refreshID, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// RotateRefresh replaces presentedID with nextID if presentedID is current
func (s *MemoryStore) RotateRefresh(ctx context.Context, address, familyID, presentedID, nextID string, ttl time.Duration) (ports.RotationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	entry, ok := s.families[address][familyID]
	if !ok || !now.Before(entry.expiresAt) {
		return ports.RotationRevoked, nil
	}
	if entry.refreshID != presentedID {
		return ports.RotationReused, nil
	}

	s.families[address][familyID] = refreshEntry{refreshID: nextID, expiresAt: now.Add(ttl)}
	return ports.Rotated, nil
}

// FamilyActive reports whether the session family still has a live refresh record
func (s *MemoryStore) FamilyActive(ctx context.Context, address, familyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.families[address][familyID]
	return ok && s.clock.Now().Before(entry.expiresAt), nil
}

// RevokeIdentity removes every refresh family of address
func (s *MemoryStore) RevokeIdentity(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.families, address)
	return nil
}

// Sweep evicts expired challenges and refresh records and returns how many it
// removed. Candidates are collected under one read lock, which holds off writers
// for a pass proportional to the store size; removal takes the write lock once
// per entry.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()

	type familyKey struct{ address, family string }
	var challenges []string
	var families []familyKey

	s.mu.RLock()
	for addr, c := range s.challenges {
		if c.Expired(now) {
			challenges = append(challenges, addr)
		}
	}
	for addr, fams := range s.families {
		for fam, entry := range fams {
			if !now.Before(entry.expiresAt) {
				families = append(families, familyKey{addr, fam})
			}
		}
	}
	s.mu.RUnlock()

	evicted := 0
	for _, addr := range challenges {
		s.mu.Lock()
		// The entry may have been replaced since the scan.
		if c, ok := s.challenges[addr]; ok && c.Expired(now) {
			delete(s.challenges, addr)
			evicted++
		}
		s.mu.Unlock()
	}
	for _, k := range families {
		s.mu.Lock()
		if entry, ok := s.families[k.address][k.family]; ok && !now.Before(entry.expiresAt) {
			delete(s.families[k.address], k.family)
			if len(s.families[k.address]) == 0 {
				delete(s.families, k.address)
			}
			evicted++
		}
		s.mu.Unlock()
	}
	return evicted
}

// Run sweeps on every interval tick until ctx is done. A non-positive interval
// falls back to one minute.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
