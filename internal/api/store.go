package api

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// SequenceStore maps public sequence IDs to the integer slots the cache
// works in. Slots get recycled as sequences are freed; the public IDs never
// are, so a stale client ID fails with not-found instead of silently reading
// another stream's cache.
type SequenceStore struct {
	mu    sync.Mutex
	slots map[string]int
}

func NewSequenceStore() *SequenceStore {
	return &SequenceStore{slots: make(map[string]int)}
}

// Add registers a freshly assigned slot and returns its public ID.
func (s *SequenceStore) Add(slot int) string {
	id := "seq_" + uuid.NewString()
	s.mu.Lock()
	s.slots[id] = slot
	s.mu.Unlock()
	return id
}

// Resolve returns the slot for a public ID.
func (s *SequenceStore) Resolve(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	return slot, ok
}

// Remove forgets a public ID, returning its slot.
func (s *SequenceStore) Remove(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if ok {
		delete(s.slots, id)
	}
	return slot, ok
}

// List returns all live IDs with their slots, ordered by slot.
func (s *SequenceStore) List() (ids []string, slots []int) {
	s.mu.Lock()
	for id, slot := range s.slots {
		ids = append(ids, id)
		slots = append(slots, slot)
	}
	s.mu.Unlock()
	sort.Sort(&bySlot{ids: ids, slots: slots})
	return ids, slots
}

type bySlot struct {
	ids   []string
	slots []int
}

func (b *bySlot) Len() int           { return len(b.slots) }
func (b *bySlot) Less(i, j int) bool { return b.slots[i] < b.slots[j] }
func (b *bySlot) Swap(i, j int) {
	b.ids[i], b.ids[j] = b.ids[j], b.ids[i]
	b.slots[i], b.slots[j] = b.slots[j], b.slots[i]
}
