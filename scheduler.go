package tweezer

import (
	"errors"
	"fmt"
	"time"

	"github.com/tweezerlab/tweezer/awgcard"
)

// ErrMoveNotFound means the selected key is missing from the dictionary.
var ErrMoveNotFound = errors.New("move not in dictionary")

// SegmentStore writes dictionary waveforms into card segments and remembers
// which key each segment holds.
type SegmentStore struct {
	session  *awgcard.Session
	dict     *MovesDictionary
	resident map[int]MoveKey
	counter  int // next free segment for appended content
}

// NewSegmentStore returns an empty store writing through session.
func NewSegmentStore(session *awgcard.Session) *SegmentStore {
	return &SegmentStore{session: session, resident: make(map[int]MoveKey)}
}

// Commit makes dict the source of all later writes. Segment contents are
// forgotten, since Commit follows a repartition of card memory.
func (s *SegmentStore) Commit(dict *MovesDictionary, baseSlots int) {
	s.dict = dict
	s.resident = make(map[int]MoveKey)
	s.counter = baseSlots
}

// Forget drops the record of segment contents, so every later write goes to
// the card.
func (s *SegmentStore) Forget() {
	s.resident = make(map[int]MoveKey)
}

// Dictionary returns the committed dictionary.
func (s *SegmentStore) Dictionary() *MovesDictionary {
	return s.dict
}

// Resident returns the key held by segment slot.
func (s *SegmentStore) Resident(slot int) (MoveKey, bool) {
	k, ok := s.resident[slot]
	return k, ok
}

// Prepare looks up every write before anything touches the card, so a
// missing key leaves all segments as they were.
func (s *SegmentStore) Prepare(writes []SlotWrite) ([]*Entry, error) {
	entries := make([]*Entry, len(writes))
	for i, w := range writes {
		e, ok := s.dict.Lookup(w.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s for segment %d (dictionary holds %d waveforms)",
				ErrMoveNotFound, w.Key, w.Slot, s.dict.Len())
		}
		entries[i] = e
	}
	return entries, nil
}

// Write performs prepared writes in order. A segment already holding the
// same key is not rewritten.
func (s *SegmentStore) Write(writes []SlotWrite, entries []*Entry) error {
	for i, w := range writes {
		if k, ok := s.resident[w.Slot]; ok && k == w.Key {
			continue
		}
		delete(s.resident, w.Slot)
		if err := s.session.SetSegment(w.Slot, w.Key.String(), entries[i].Channels...); err != nil {
			return err
		}
		s.resident[w.Slot] = w.Key
	}
	return nil
}

// Append writes buffers to the next free segment and returns its index.
func (s *SegmentStore) Append(label string, channels ...[]int16) (int, error) {
	slot := s.counter
	if slot >= s.session.NumSegments() {
		return 0, fmt.Errorf("no free segment: all %d are in use", s.session.NumSegments())
	}
	if err := s.session.SetSegment(slot, label, channels...); err != nil {
		return 0, err
	}
	s.counter++
	return slot, nil
}

// SchedulerState is where the scheduler is in handling one shot.
type SchedulerState int

// The scheduler states.
const (
	WaitOccupancy SchedulerState = iota
	SelectKey
	SwapSegment
	Armed
)

func (s SchedulerState) String() string {
	return [...]string{"WaitOccupancy", "SelectKey", "SwapSegment", "Armed"}[s]
}

// ShotStats counts shot outcomes since the last enumeration.
type ShotStats struct {
	Shots          int
	Swapped        int
	Skipped        int // insufficient atoms
	NotFound       int
	BadOccupancy   int
	HardwareErrors int
	LengthWarnings int
	LastLatency    time.Duration
	MaxLatency     time.Duration
}

// Scheduler turns each shot's occupancy string into segment swaps.
type Scheduler struct {
	strategy ModeStrategy
	layout   Layout
	nsites   int
	store    *SegmentStore
	state    SchedulerState
	stats    ShotStats
}

// NewScheduler returns a scheduler for cfg writing through store.
func NewScheduler(cfg *RearrConfig, store *SegmentStore) (*Scheduler, error) {
	strategy, err := strategyFor(cfg.Mode)
	if err != nil {
		return nil, err
	}
	return &Scheduler{strategy: strategy, layout: newLayout(cfg), nsites: len(cfg.InitialFreqs), store: store}, nil
}

// State returns the scheduler's current state.
func (s *Scheduler) State() SchedulerState {
	return s.state
}

// Stats returns the shot counters.
func (s *Scheduler) Stats() ShotStats {
	return s.stats
}

// SelectKey decodes an occupancy string and chooses the writes for it
// without touching the card.
func (s *Scheduler) SelectKey(occupancy string) (Selection, error) {
	s.state = SelectKey
	occ, err := ConvertBinaryOccupancy(occupancy, s.nsites)
	if err != nil {
		return Selection{}, err
	}
	if occ.LengthMismatch {
		ProblemLogger.Printf("occupancy %q has %d characters for %d sites", occupancy, len(occupancy), s.nsites)
	}
	return s.strategy.Select(s.layout, occ)
}

// Rearrange handles one shot: select, look up, then swap. Every failure
// leaves the card playing what it already holds.
func (s *Scheduler) Rearrange(occupancy string) (Selection, error) {
	started := time.Now()
	s.stats.Shots++
	defer func() { s.state = WaitOccupancy }()

	sel, err := s.SelectKey(occupancy)
	if sel.Occupancy.LengthMismatch {
		s.stats.LengthWarnings++
	}
	switch {
	case errors.Is(err, ErrBadOccupancy):
		s.stats.BadOccupancy++
		return sel, err
	case errors.Is(err, ErrInsufficientAtoms):
		s.stats.Skipped++
		return sel, err
	case err != nil:
		return sel, err
	}

	entries, err := s.store.Prepare(sel.Writes)
	if err != nil {
		s.stats.NotFound++
		ProblemLogger.Printf("occupancy %q: %v", occupancy, err)
		return sel, err
	}
	s.state = SwapSegment
	if err := s.store.Write(sel.Writes, entries); err != nil {
		s.stats.HardwareErrors++
		ProblemLogger.Printf("occupancy %q: %v", occupancy, err)
		return sel, err
	}
	s.state = Armed
	s.stats.Swapped++
	s.stats.LastLatency = time.Since(started)
	s.stats.MaxLatency = max(s.stats.MaxLatency, s.stats.LastLatency)
	return sel, nil
}
