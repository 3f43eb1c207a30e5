package tweezer

import (
	"errors"
	"fmt"
)

// RearrangementMode selects how a shot's occupancy is mapped to waveforms.
type RearrangementMode string

// The rearrangement modes.
const (
	// UseExact fills the configured target sites exactly; shots with too few
	// atoms are skipped.
	UseExact RearrangementMode = "use_exact"
	// UseAll moves every loaded atom into a contiguous block of target sites.
	UseAll RearrangementMode = "use_all"
)

// Segment slots used by the rearrangement sequence.
const (
	SlotStaticInitial = 0
	SlotMove          = 1
	SlotTarget        = 2 // static target, or the ramp when power ramping
	SlotFinal         = 3 // static target after the ramp
)

// ErrInsufficientAtoms means a shot loaded fewer atoms than the mode needs.
// It is not a failure: the shot is skipped and the card plays its last move.
var ErrInsufficientAtoms = errors.New("insufficient atoms loaded")

// Layout holds the numbers a strategy needs from the configuration.
type Layout struct {
	nInitial     int
	nTarget      int
	powerRamp    bool
	partialMoves bool
}

func newLayout(c *RearrConfig) Layout {
	return Layout{nInitial: len(c.InitialFreqs), nTarget: len(c.TargetFreqs),
		powerRamp: c.PowerRamp, partialMoves: c.PartialMoves}
}

// baseSlots returns the number of segments the fixed sequence uses.
func (l Layout) baseSlots() int {
	if l.powerRamp {
		return 4
	}
	return 3
}

// targetWrites returns the slot contents that follow a move into t target sites.
func (l Layout) targetWrites(t int) []SlotWrite {
	sites := FirstSites(t)
	if l.powerRamp {
		return []SlotWrite{{SlotTarget, RampKey(sites)}, {SlotFinal, StaticTargetKey(sites)}}
	}
	return []SlotWrite{{SlotTarget, StaticTargetKey(sites)}}
}

// moveKeys lists the move for every non-empty subset of initial sites, largest
// subsets first and lexicographic within a size.
func (l Layout) moveKeys() []MoveKey {
	var keys []MoveKey
	for size := l.nInitial; size >= 1; size-- {
		to := FirstSites(min(size, l.nTarget))
		for _, from := range Subsets(l.nInitial, size) {
			keys = append(keys, MoveBetween(from, to))
		}
	}
	return keys
}

// SlotWrite is one segment write: key's waveform goes to slot.
type SlotWrite struct {
	Slot int
	Key  MoveKey
}

// Selection is the scheduler's decision for one shot.
type Selection struct {
	Occupancy Occupancy
	Move      MoveKey
	Writes    []SlotWrite // in write order
}

// ModeStrategy holds everything that differs between rearrangement modes.
type ModeStrategy interface {
	Mode() RearrangementMode
	// Keys lists every waveform the mode can need, in generation order.
	Keys(l Layout) []MoveKey
	// BaseWrites gives the content of every base slot before the first shot.
	BaseWrites(l Layout) []SlotWrite
	// Select chooses the writes for one shot.
	Select(l Layout, occ Occupancy) (Selection, error)
	// RequiredSegments is the segment count to reserve on the card.
	RequiredSegments(l Layout, headroom int) int
}

func strategyFor(mode RearrangementMode) (ModeStrategy, error) {
	switch mode {
	case UseExact:
		return ExactModeStrategy{}, nil
	case UseAll:
		return AllModeStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: unknown rearrMode %q, want %q or %q", ErrConfiguration, mode, UseExact, UseAll)
}

func binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	r := 1
	for i := 1; i <= k; i++ {
		r = r * (n - k + i) / i
	}
	return r
}

// ExactModeStrategy fills every target site or skips the shot. Segment 2
// (and 3) never change after enumeration.
type ExactModeStrategy struct{}

// Mode returns UseExact.
func (ExactModeStrategy) Mode() RearrangementMode { return UseExact }

// Keys lists the static, ramp and move waveforms.
func (ExactModeStrategy) Keys(l Layout) []MoveKey {
	keys := []MoveKey{StaticInitialKey(FirstSites(l.nInitial))}
	for _, w := range l.targetWrites(l.nTarget) {
		keys = append(keys, w.Key)
	}
	return append(keys, l.moveKeys()...)
}

// BaseWrites loads the initial static array, the full move and the target arrays.
func (ExactModeStrategy) BaseWrites(l Layout) []SlotWrite {
	all := FirstSites(l.nInitial)
	writes := []SlotWrite{
		{SlotStaticInitial, StaticInitialKey(all)},
		{SlotMove, MoveBetween(all, FirstSites(l.nTarget))},
	}
	return append(writes, l.targetWrites(l.nTarget)...)
}

// Select maps the loaded sites onto all target sites. With fewer atoms than
// targets the shot is skipped, unless partial moves are enabled.
func (ExactModeStrategy) Select(l Layout, occ Occupancy) (Selection, error) {
	sel := Selection{Occupancy: occ}
	if occ.Count == 0 || (occ.Count < l.nTarget && !l.partialMoves) {
		return sel, fmt.Errorf("%w: %d loaded, %d targets", ErrInsufficientAtoms, occ.Count, l.nTarget)
	}
	sel.Move = MoveBetween(occ.Loaded, FirstSites(min(occ.Count, l.nTarget)))
	sel.Writes = []SlotWrite{{SlotMove, sel.Move}}
	return sel, nil
}

// RequiredSegments is C(n, k) + headroom + 3.
func (ExactModeStrategy) RequiredSegments(l Layout, headroom int) int {
	return binomial(l.nInitial, l.nTarget) + headroom + 3
}

// AllModeStrategy moves every loaded atom into the first target sites and
// swaps the target arrays to match the number filled.
type AllModeStrategy struct{}

// Mode returns UseAll.
func (AllModeStrategy) Mode() RearrangementMode { return UseAll }

// Keys lists the static and ramp waveforms for every fill count, then the moves.
func (AllModeStrategy) Keys(l Layout) []MoveKey {
	keys := []MoveKey{StaticInitialKey(FirstSites(l.nInitial))}
	for t := 1; t <= l.nTarget; t++ {
		for _, w := range l.targetWrites(t) {
			keys = append(keys, w.Key)
		}
	}
	return append(keys, l.moveKeys()...)
}

// BaseWrites loads the arrays for a fully loaded shot.
func (AllModeStrategy) BaseWrites(l Layout) []SlotWrite {
	all := FirstSites(l.nInitial)
	t := min(l.nInitial, l.nTarget)
	writes := []SlotWrite{
		{SlotStaticInitial, StaticInitialKey(all)},
		{SlotMove, MoveBetween(all, FirstSites(t))},
	}
	return append(writes, l.targetWrites(t)...)
}

// Select moves all loaded atoms. An empty shot uses the "0" sentinel, so the
// sequence still plays a valid move.
func (AllModeStrategy) Select(l Layout, occ Occupancy) (Selection, error) {
	t := min(max(occ.Loaded.Len(), 1), l.nTarget)
	sel := Selection{Occupancy: occ, Move: MoveBetween(occ.Loaded, FirstSites(t))}
	sel.Writes = append([]SlotWrite{{SlotMove, sel.Move}}, l.targetWrites(t)...)
	return sel, nil
}

// RequiredSegments is headroom plus, for every fill count, its moves and target arrays.
func (AllModeStrategy) RequiredSegments(l Layout, headroom int) int {
	n := headroom
	for c := 1; c <= l.nInitial; c++ {
		n += binomial(l.nInitial, c) + 1
		if l.powerRamp {
			n++
		}
	}
	return n
}
