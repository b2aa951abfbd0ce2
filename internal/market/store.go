package market

import (
	"sync"
	"sync/atomic"
	"time"
)

// Store holds the latest snapshot. Readers load an immutable snapshot
// without locking; writers copy-on-write under mu and swap the pointer, so
// a reader sees either the old or the new mapping, never a mix.
type Store struct {
	mu  sync.Mutex
	cur atomic.Pointer[Snapshot]
}

func NewStore() *Store {
	s := &Store{}
	s.cur.Store(NewSnapshot(time.Time{}))
	return s
}

// Snapshot returns the current read-only snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.cur.Load()
}

func (s *Store) Get(code string) (Instrument, bool) {
	return s.cur.Load().Get(code)
}

func (s *Store) Len() int {
	return s.cur.Load().Len()
}

func (s *Store) UpdatedAt() time.Time {
	return s.cur.Load().UpdatedAt()
}

func (s *Store) BySegment(seg Segment) []string {
	return s.cur.Load().BySegment(seg)
}

func (s *Store) Upsert(inst Instrument) {
	if inst.Code == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.Load().shallow()
	next.Put(inst)
	s.cur.Store(next)
}

func (s *Store) Remove(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cur.Load()
	if _, ok := prev.items[code]; !ok {
		return
	}
	next := prev.shallow()
	next.remove(code)
	s.cur.Store(next)
}

// ReplaceAll swaps in a private copy of snap as the whole mapping and
// returns that copy. Later writes never alter the returned snapshot.
func (s *Store) ReplaceAll(snap *Snapshot) *Snapshot {
	next := snap.Clone()
	s.mu.Lock()
	s.cur.Store(next)
	s.mu.Unlock()
	return next
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.cur.Store(NewSnapshot(s.cur.Load().UpdatedAt()))
	s.mu.Unlock()
}
