package bullroom

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Store
// ============================================================================

// Store is the per-room message cache. Each room holds an ordered list of
// newest-first pages; flattening them gives the timeline. Store is the only
// owner of that list: coordinators and the reconciler go through the
// primitives below, and none of them touch the network.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomCache

	listenersMu sync.RWMutex
	listeners   []func(roomID string)

	now     func() time.Time
	metrics *Metrics
}

type roomCache struct {
	pages []*Page
	// ids tracks membership; arrived is the local arrival time used by the
	// duplicate-content guard. Only head inserts record one: backfilled
	// history never counts as recent.
	ids     map[string]struct{}
	arrived map[string]time.Time
}

func newRoomCache() *roomCache {
	return &roomCache{
		ids:     make(map[string]struct{}),
		arrived: make(map[string]time.Time),
	}
}

// NewStore creates an empty cache.
func NewStore(opts ...Option) *Store {
	o := buildOptions(opts)
	return &Store{
		rooms:   make(map[string]*roomCache),
		now:     o.now,
		metrics: o.metrics,
	}
}

// OnChange registers fn to run after any mutation of a room's timeline.
func (s *Store) OnChange(fn func(roomID string)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) changed(roomID string) {
	s.listenersMu.RLock()
	listeners := s.listeners
	s.listenersMu.RUnlock()
	s.metrics.setCached(roomID, s.Len(roomID))
	for _, fn := range listeners {
		fn(roomID)
	}
}

// room returns the cache for roomID, creating it on first observation.
// Caller must hold s.mu for writing.
func (s *Store) room(roomID string) *roomCache {
	rc, ok := s.rooms[roomID]
	if !ok {
		rc = newRoomCache()
		s.rooms[roomID] = rc
	}
	return rc
}

// locate finds the page and slot holding id.
func (rc *roomCache) locate(id string) (*Page, int) {
	if _, ok := rc.ids[id]; !ok {
		return nil, -1
	}
	for _, p := range rc.pages {
		for i := range p.Messages {
			if p.Messages[i].ID == id {
				return p, i
			}
		}
	}
	return nil, -1
}

// ── Primitives ───────────────────────────────────────────

// InsertAtHead places msg at the newest end of the room timeline. It is a
// no-op returning false when the id is already cached.
func (s *Store) InsertAtHead(roomID string, msg Message) bool {
	s.mu.Lock()
	rc := s.room(roomID)
	if _, exists := rc.ids[msg.ID]; exists {
		s.mu.Unlock()
		return false
	}
	if len(rc.pages) == 0 {
		rc.pages = append(rc.pages, &Page{})
	}
	head := rc.pages[0]
	head.Messages = append([]Message{msg.Clone()}, head.Messages...)
	rc.ids[msg.ID] = struct{}{}
	rc.arrived[msg.ID] = s.now()
	s.mu.Unlock()

	s.changed(roomID)
	return true
}

// AppendPage adds an older page behind everything already loaded. Messages
// whose ids are already cached are dropped, which absorbs the overlap that
// live inserts cause in offset-based paging. It returns how many were added.
func (s *Store) AppendPage(roomID string, page Page) int {
	s.mu.Lock()
	rc := s.room(roomID)
	kept := make([]Message, 0, len(page.Messages))
	for _, m := range page.Messages {
		if _, exists := rc.ids[m.ID]; exists {
			continue
		}
		rc.ids[m.ID] = struct{}{}
		kept = append(kept, m.Clone())
	}
	rc.pages = append(rc.pages, &Page{Messages: kept, HasMore: page.HasMore, Offset: page.Offset})
	s.mu.Unlock()

	s.changed(roomID)
	return len(kept)
}

// Update applies patch to the cached message. Absent ids are a no-op.
func (s *Store) Update(roomID, id string, patch func(*Message)) bool {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p, i := rc.locate(id)
	if p == nil {
		s.mu.Unlock()
		return false
	}
	m := &p.Messages[i]
	if m.Reactions == nil {
		m.Reactions = make(Reactions)
	}
	patch(m)
	// ids are stable keys; a patch never renames a message.
	m.ID = id
	s.mu.Unlock()

	s.changed(roomID)
	return true
}

// Replace swaps the message stored under id for msg, keeping its position.
// It is how a provisional message becomes the confirmed one.
func (s *Store) Replace(roomID, id string, msg Message) bool {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p, i := rc.locate(id)
	if p == nil {
		s.mu.Unlock()
		return false
	}
	if msg.ID != id {
		if _, taken := rc.ids[msg.ID]; taken {
			s.mu.Unlock()
			return false
		}
		arrived := rc.arrived[id]
		delete(rc.ids, id)
		delete(rc.arrived, id)
		rc.ids[msg.ID] = struct{}{}
		rc.arrived[msg.ID] = arrived
	}
	p.Messages[i] = msg.Clone()
	s.mu.Unlock()

	s.changed(roomID)
	return true
}

// Confirm turns the provisional message tempID into its confirmed copy in a
// single step. If msg.ID is already cached, because the push event won the
// race, the provisional is dropped and the cached copy is returned. A room or
// placeholder that is gone leaves the cache untouched.
func (s *Store) Confirm(roomID, tempID string, msg Message) Message {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return msg
	}
	p, i := rc.locate(tempID)
	if q, j := rc.locate(msg.ID); q != nil {
		winner := q.Messages[j].Clone()
		if p != nil {
			p.Messages = append(p.Messages[:i], p.Messages[i+1:]...)
			delete(rc.ids, tempID)
			delete(rc.arrived, tempID)
		}
		s.mu.Unlock()
		if p != nil {
			s.changed(roomID)
		}
		return winner
	}
	if p == nil {
		s.mu.Unlock()
		return msg
	}
	arrived := rc.arrived[tempID]
	delete(rc.ids, tempID)
	delete(rc.arrived, tempID)
	rc.ids[msg.ID] = struct{}{}
	rc.arrived[msg.ID] = arrived
	p.Messages[i] = msg.Clone()
	s.mu.Unlock()

	s.changed(roomID)
	return msg
}

// Remove deletes the message. Absent ids are a no-op.
func (s *Store) Remove(roomID, id string) bool {
	s.mu.Lock()
	rc, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p, i := rc.locate(id)
	if p == nil {
		s.mu.Unlock()
		return false
	}
	p.Messages = append(p.Messages[:i], p.Messages[i+1:]...)
	delete(rc.ids, id)
	delete(rc.arrived, id)
	s.mu.Unlock()

	s.changed(roomID)
	return true
}

// Snapshot flattens the room's pages into one newest-first sequence of
// copies. Callers reverse it for top-to-bottom display.
func (s *Store) Snapshot(roomID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(rc.ids))
	for _, p := range rc.pages {
		for _, m := range p.Messages {
			out = append(out, m.Clone())
		}
	}
	return out
}

// ── Lookups ──────────────────────────────────────────────

// Get returns a copy of the cached message.
func (s *Store) Get(roomID, id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	p, i := rc.locate(id)
	if p == nil {
		return Message{}, false
	}
	return p.Messages[i].Clone(), true
}

// Has reports whether id is cached for the room.
func (s *Store) Has(roomID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	_, exists := rc.ids[id]
	return exists
}

// FindRecent returns the first message that arrived locally within window
// and satisfies match.
func (s *Store) FindRecent(roomID string, window time.Duration, match func(Message) bool) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return Message{}, false
	}
	cutoff := s.now().Add(-window)
	for _, p := range rc.pages {
		for _, m := range p.Messages {
			if rc.arrived[m.ID].Before(cutoff) {
				continue
			}
			if match(m) {
				return m.Clone(), true
			}
		}
	}
	return Message{}, false
}

// Len returns the number of cached messages for the room.
func (s *Store) Len(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.rooms[roomID]
	if !ok {
		return 0
	}
	return len(rc.ids)
}

// Rooms lists the room ids currently cached.
func (s *Store) Rooms() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Evict drops everything cached for the room.
func (s *Store) Evict(roomID string) {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()
	if ok {
		s.metrics.forgetRoom(roomID)
	}
}

// ── Checkpoints ──────────────────────────────────────────

// Checkpoint is an exact copy of one cached message taken before an
// optimistic patch.
type Checkpoint struct {
	RoomID  string
	Message Message
}

// Checkpoint captures the current state of a message.
func (s *Store) Checkpoint(roomID, id string) (Checkpoint, bool) {
	m, ok := s.Get(roomID, id)
	if !ok {
		return Checkpoint{}, false
	}
	return Checkpoint{RoomID: roomID, Message: m}, true
}

// Restore puts the message back exactly as captured. A message removed in
// the meantime stays removed.
func (s *Store) Restore(cp Checkpoint) bool {
	saved := cp.Message.Clone()
	return s.Update(cp.RoomID, saved.ID, func(m *Message) {
		*m = saved
	})
}
