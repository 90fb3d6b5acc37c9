// Package timeline holds the ordered, deduplicated message set of a single
// conversation.
package timeline

import (
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"chat-client/internal/models"
)

// Options configures a Store.
type Options struct {
	// Location is the display time zone used to cut calendar days.
	// Defaults to time.Local.
	Location *time.Location
}

// Translation decorates an entry with translated text.
type Translation struct {
	Language string
	Text     string
}

// Entry is a message as seen by a renderer.
type Entry struct {
	models.Message
	Translation *Translation
}

// DayGroup is one calendar day of entries in timestamp order.
type DayGroup struct {
	Date    time.Time
	Entries []Entry
}

type record struct {
	msg         models.Message
	seq         uint64
	translation *Translation
}

// Store is the timeline of one conversation. All methods are safe for
// concurrent use; mutations are serialized by the store's lock.
type Store struct {
	mu      sync.Mutex
	loc     *time.Location
	records map[string]*record
	aliases map[string]string
	nextSeq uint64
}

// NewStore creates an empty timeline.
func NewStore(opts Options) *Store {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Store{
		loc:     loc,
		records: make(map[string]*record),
		aliases: make(map[string]string),
	}
}

// InsertOrMerge appends msg when its id is unknown and reports whether it
// did. A known id, or an id that was replaced by a confirmation, is discarded.
func (s *Store) InsertOrMerge(msg models.Message) bool {
	if msg.ID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[msg.ID]; ok {
		return false
	}
	if _, ok := s.aliases[msg.ID]; ok {
		return false
	}
	s.insertLocked(msg.Clone())
	return true
}

func (s *Store) insertLocked(msg models.Message) {
	s.nextSeq++
	s.records[msg.ID] = &record{msg: msg, seq: s.nextSeq}
}

// Confirm substitutes the provisional id with the confirmed record's id in
// place and marks it Confirmed. The entry keeps its insertion position. If
// the confirmed id is already present, for example because history delivered
// it first, the provisional entry is dropped instead.
func (s *Store) Confirm(provisionalID string, confirmed models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[provisionalID]
	if !ok {
		return fmt.Errorf("confirm %s: %w", provisionalID, models.ErrUnknownMessage)
	}
	if !rec.msg.DeliveryState.CanTransition(models.Confirmed) {
		return fmt.Errorf("confirm %s from %s: %w", provisionalID, rec.msg.DeliveryState, models.ErrInvalidTransition)
	}

	serverID := confirmed.ID
	if serverID == "" {
		serverID = provisionalID
	}

	if serverID != provisionalID {
		delete(s.records, provisionalID)
		s.aliases[provisionalID] = serverID
		if existing, dup := s.records[serverID]; dup {
			if existing.msg.DeliveryState == models.Pending {
				existing.msg.DeliveryState = models.Confirmed
			}
			return nil
		}
	}

	rec.msg.ID = serverID
	rec.msg.DeliveryState = models.Confirmed
	if !confirmed.Timestamp.IsZero() {
		rec.msg.Timestamp = confirmed.Timestamp
	}
	s.records[serverID] = rec
	return nil
}

// Transition moves an entry to next when the delivery state machine allows it.
func (s *Store) Transition(id string, next models.DeliveryState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("transition %s: %w", id, models.ErrUnknownMessage)
	}
	if !rec.msg.DeliveryState.CanTransition(next) {
		return fmt.Errorf("transition %s from %s to %s: %w", id, rec.msg.DeliveryState, next, models.ErrInvalidTransition)
	}
	rec.msg.DeliveryState = next
	return nil
}

// Remove deletes an entry and returns it.
func (s *Store) Remove(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return models.Message{}, false
	}
	delete(s.records, id)
	return rec.msg.Clone(), true
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry(), true
}

// SetTranslation decorates an entry without touching its order. It reports
// false when the entry is gone.
func (s *Store) SetTranslation(id, language, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return false
	}
	rec.translation = &Translation{Language: language, Text: text}
	return true
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// List returns all entries in timeline order.
func (s *Store) List() []Entry {
	return s.snapshot()
}

// Pending returns entries still awaiting confirmation, in timeline order.
func (s *Store) Pending() []Entry {
	var out []Entry
	for _, e := range s.snapshot() {
		if e.DeliveryState == models.Pending {
			out = append(out, e)
		}
	}
	return out
}

// GroupedByDay yields day groups in ascending date order. Each range over
// the sequence recomputes the grouping from the current message set.
func (s *Store) GroupedByDay() iter.Seq[DayGroup] {
	return func(yield func(DayGroup) bool) {
		entries := s.snapshot()
		var group DayGroup
		for _, e := range entries {
			local := e.Timestamp.In(s.loc)
			day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
			if len(group.Entries) > 0 && !day.Equal(group.Date) {
				if !yield(group) {
					return
				}
				group = DayGroup{}
			}
			if len(group.Entries) == 0 {
				group.Date = day
			}
			group.Entries = append(group.Entries, e)
		}
		if len(group.Entries) > 0 {
			yield(group)
		}
	}
}

func (s *Store) snapshot() []Entry {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].msg.Timestamp, recs[j].msg.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return recs[i].seq < recs[j].seq
	})
	out := make([]Entry, len(recs))
	for i, rec := range recs {
		out[i] = rec.entry()
	}
	s.mu.Unlock()
	return out
}

func (r *record) entry() Entry {
	e := Entry{Message: r.msg.Clone()}
	if r.translation != nil {
		t := *r.translation
		e.Translation = &t
	}
	return e
}
