package tweezer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweezerlab/tweezer/awgcard"
	"github.com/tweezerlab/tweezer/internal/awgdb"
	"github.com/tweezerlab/tweezer/waveform"
)

const testSampleRate = 625e6

// testConfig is the default 5 -> 1 configuration with one-block segments.
func testConfig() *RearrConfig {
	cfg := DefaultRearrConfig()
	cfg.StaticDurationMs = 0.002
	cfg.MovingDurationMs = 0.002
	cfg.RampDurationMs = 0.002
	return cfg
}

func newTestRearranger(t *testing.T, cfg *RearrConfig) (*Rearranger, *awgcard.NoHardware) {
	t.Helper()
	card, err := awgcard.NewNoHardware(testSampleRate, 1)
	require.NoError(t, err)
	r := NewRearranger(awgcard.NewSession(card), nil)
	require.NoError(t, r.SetConfig(cfg))
	return r, card
}

type fakeRecorder struct {
	enumerations int
	shots        []string
}

func (f *fakeRecorder) RecordEnumeration(*awgdb.EnumerationMessage) { f.enumerations++ }
func (f *fakeRecorder) RecordShot(m *awgdb.ShotMessage)            { f.shots = append(f.shots, m.Outcome) }

func TestCalculateAllMoves(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	report, err := r.CalculateAllMoves()
	require.NoError(t, err)
	assert.True(t, report.Armed)
	assert.Equal(t, UseAll, report.Mode)
	assert.Equal(t, 34, report.Waveforms)
	assert.Equal(t, 51, report.Requested)
	assert.Equal(t, 64, report.NumSegments)
	assert.Equal(t, "01234si 01234m0 0r 0st", report.BaseSlots)

	segs, steps := card.Writes()
	assert.Equal(t, 4, segs)
	assert.Equal(t, 4, steps)
	var want = []awgcard.Step{
		{Index: 0, Segment: 0, Loops: 1, Next: 1, Condition: awgcard.OnTrigger},
		{Index: 1, Segment: 1, Loops: 1, Next: 2, Condition: awgcard.Always},
		{Index: 2, Segment: 2, Loops: 1, Next: 3, Condition: awgcard.Always},
		{Index: 3, Segment: 3, Loops: 1, Next: 0, Condition: awgcard.OnTrigger},
	}
	for _, w := range want {
		got, ok := card.Step(w.Index)
		require.True(t, ok)
		assert.Equal(t, w, got)
	}

	status := r.Status()
	assert.True(t, status.Armed)
	assert.False(t, status.Stale)
	assert.Equal(t, 64, status.NumSegments)
	assert.InDelta(t, 50.0, status.MaxSegmentMs, 1e-9)
	assert.Equal(t, 34, status.Waveforms)
	assert.Equal(t, WaitOccupancy.String(), status.State)
}

func TestCalculateAllMovesNoRamp(t *testing.T) {
	cfg := testConfig()
	cfg.PowerRamp = false
	r, card := newTestRearranger(t, cfg)
	report, err := r.CalculateAllMoves()
	require.NoError(t, err)
	assert.Equal(t, "01234si 01234m0 0st", report.BaseSlots)
	st, ok := card.Step(2)
	require.True(t, ok)
	assert.Equal(t, awgcard.Step{Index: 2, Segment: 2, Loops: 1, Next: 0, Condition: awgcard.OnTrigger}, st)
	_, ok = card.Step(3)
	assert.False(t, ok)
}

func TestRearrangeUseAll(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	rec := new(fakeRecorder)
	r.recorder = rec
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)

	result, err := r.Rearrange("10100")
	require.NoError(t, err)
	assert.Equal(t, "02m0", result.Key)
	assert.Equal(t, OutcomeSwapped, result.Outcome)

	// Only the move segment changes: the 1-site target arrays are already loaded.
	segs, _ := card.Writes()
	assert.Equal(t, 5, segs)
	entry, ok := r.Dictionary().Lookup(MoveBetween(1<<0|1<<2, 1<<0))
	require.True(t, ok)
	assert.Equal(t, entry.Channels[0], card.Channel(SlotMove, 0))
	key, ok := r.store.Resident(SlotMove)
	require.True(t, ok)
	assert.Equal(t, "02m0", key.String())

	// Repeating the shot does not rewrite anything.
	_, err = r.Rearrange("10100")
	require.NoError(t, err)
	segs, _ = card.Writes()
	assert.Equal(t, 5, segs)

	result, err = r.Rearrange("00000")
	require.NoError(t, err)
	assert.Equal(t, "0m0", result.Key)

	result, err = r.Rearrange("10x00")
	assert.ErrorIs(t, err, ErrBadOccupancy)
	assert.Equal(t, OutcomeBadOccupancy, result.Outcome)

	stats := r.Status().Stats
	assert.Equal(t, 4, stats.Shots)
	assert.Equal(t, 3, stats.Swapped)
	assert.Equal(t, 1, stats.BadOccupancy)
	assert.Equal(t, 1, rec.enumerations)
	assert.Equal(t, []string{OutcomeSwapped, OutcomeSwapped, OutcomeSwapped, OutcomeBadOccupancy}, rec.shots)
}

func TestRearrangeUseAllTargets(t *testing.T) {
	cfg := testConfig()
	cfg.TargetFreqs = []float64{190, 177.5, 165}
	r, card := newTestRearranger(t, cfg)
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)

	result, err := r.Rearrange("10100")
	require.NoError(t, err)
	assert.Equal(t, "02m01", result.Key)
	for slot, want := range map[int]string{SlotMove: "02m01", SlotTarget: "01r", SlotFinal: "01st"} {
		key, ok := r.store.Resident(slot)
		require.True(t, ok)
		assert.Equal(t, want, key.String())
		entry, _ := r.Dictionary().Lookup(key)
		assert.Equal(t, entry.Channels[0], card.Channel(slot, 0))
	}
}

func TestRearrangeUseExact(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = UseExact
	r, card := newTestRearranger(t, cfg)
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)
	before := card.Channel(SlotMove, 0)

	result, err := r.Rearrange("00000")
	assert.ErrorIs(t, err, ErrInsufficientAtoms)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, before, card.Channel(SlotMove, 0))

	result, err = r.Rearrange("00110")
	require.NoError(t, err)
	assert.Equal(t, "23m0", result.Key)
	assert.Equal(t, 1, r.Status().Stats.Skipped)
}

func TestRearrangeMissingKey(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)
	before := card.Channel(SlotMove, 0)
	delete(r.store.dict.entries, MoveBetween(1<<0|1<<2, 1<<0))

	result, err := r.Rearrange("10100")
	assert.ErrorIs(t, err, ErrMoveNotFound)
	assert.Equal(t, OutcomeNotFound, result.Outcome)
	assert.Equal(t, before, card.Channel(SlotMove, 0))
	assert.True(t, r.Status().Armed)
	assert.Equal(t, 1, r.Status().Stats.NotFound)
}

func TestRearrangeHardwareFailure(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)

	card.FailSegments[SlotMove] = true
	result, err := r.Rearrange("10100")
	assert.ErrorIs(t, err, awgcard.ErrHardware)
	assert.Equal(t, OutcomeHardware, result.Outcome)
	status := r.Status()
	assert.False(t, status.Armed)
	assert.Contains(t, status.ArmError, "segment 1")

	// A later successful write re-arms the sequence.
	delete(card.FailSegments, SlotMove)
	_, err = r.Rearrange("11000")
	require.NoError(t, err)
	assert.True(t, r.Status().Armed)
}

func TestCalculateAllMovesHardwareFailure(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	card.FailSegments[SlotTarget] = true
	report, err := r.CalculateAllMoves()
	assert.ErrorIs(t, err, awgcard.ErrNotArmed)
	assert.False(t, report.Armed)
	assert.Contains(t, report.ArmError, "segment 2")
	assert.False(t, r.Status().Armed)
}

func TestFailedEnumerationKeepsDictionary(t *testing.T) {
	r, _ := newTestRearranger(t, testConfig())
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)
	id := r.Dictionary().ID

	// 100 ms segments do not fit in memory split into 64 segments.
	cfg := testConfig()
	cfg.StaticDurationMs = 100
	require.NoError(t, r.SetConfig(cfg))
	assert.True(t, r.Status().Stale)
	_, err = r.CalculateAllMoves()
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, id, r.Dictionary().ID)

	result, err := r.Rearrange("01000")
	require.NoError(t, err)
	assert.Equal(t, "1m0", result.Key)
}

func TestShortSegmentsKeepCard(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)
	id := r.Dictionary().ID
	segs, steps := card.Writes()
	initial := card.Channel(SlotStaticInitial, 0)

	// 0.001 ms is shorter than one 1024-sample block at 625 MS/s.
	cfg := testConfig()
	cfg.StaticDurationMs = 0.001
	require.NoError(t, r.SetConfig(cfg))
	_, err = r.CalculateAllMoves()
	assert.ErrorIs(t, err, ErrConfiguration)

	status := r.Status()
	assert.Equal(t, id, status.DictionaryID)
	assert.True(t, status.Armed)
	assert.True(t, status.Stale)
	assert.Equal(t, 64, status.NumSegments)
	s, st := card.Writes()
	assert.Equal(t, segs, s, "no segment written by the failed pass")
	assert.Equal(t, steps, st, "no step written by the failed pass")
	assert.Equal(t, initial, card.Channel(SlotStaticInitial, 0))
	last, ok := card.Step(3)
	require.True(t, ok)
	assert.Equal(t, 0, last.Next)

	result, err := r.Rearrange("10100")
	require.NoError(t, err)
	assert.Equal(t, "02m0", result.Key)
}

func TestRepartitionFailure(t *testing.T) {
	tones := waveform.Tones{FreqsMHz: []float64{100}, Fracs: []float64{0.5}}

	// A first pass that cannot repartition leaves nothing to extend.
	r, card := newTestRearranger(t, testConfig())
	require.NoError(t, card.Close())
	_, err := r.CalculateAllMoves()
	assert.ErrorIs(t, err, awgcard.ErrHardware)
	_, err = r.AppendStatic(tones, 0.002)
	assert.ErrorIs(t, err, ErrNoDictionary)
	_, err = r.Rearrange("10100")
	assert.ErrorIs(t, err, ErrNoDictionary)

	// After a good pass, a failed repartition has erased the step table.
	r, card = newTestRearranger(t, testConfig())
	_, err = r.CalculateAllMoves()
	require.NoError(t, err)
	require.NoError(t, card.Close())
	_, err = r.CalculateAllMoves()
	assert.ErrorIs(t, err, awgcard.ErrHardware)
	assert.False(t, r.Status().Armed)
	assert.Equal(t, 0, r.Status().Steps)
	_, err = r.AppendStatic(tones, 0.002)
	assert.ErrorIs(t, err, awgcard.ErrNotArmed)

	// The session refuses the write itself, which still counts as a card failure.
	result, err := r.Rearrange("10100")
	require.Error(t, err)
	assert.NotErrorIs(t, err, awgcard.ErrHardware)
	assert.Equal(t, OutcomeHardware, result.Outcome)
	assert.False(t, r.Status().Armed)
	assert.Equal(t, 1, r.Status().Stats.HardwareErrors)
}

func TestRearrangeRejected(t *testing.T) {
	r, _ := newTestRearranger(t, testConfig())
	_, err := r.Rearrange("10100")
	assert.ErrorIs(t, err, ErrNoDictionary)

	_, err = r.CalculateAllMoves()
	require.NoError(t, err)
	r.SetEnabled(false)
	result, err := r.Rearrange("10100")
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Equal(t, OutcomeRejected, result.Outcome)
	r.SetEnabled(true)

	r.enumerating.Store(true)
	_, err = r.Rearrange("10100")
	assert.ErrorIs(t, err, ErrEnumerating)
	_, err = r.CalculateAllMoves()
	assert.ErrorIs(t, err, ErrEnumerating)
	r.enumerating.Store(false)

	_, err = r.Rearrange("10100")
	assert.NoError(t, err)
}

func TestAppendStatic(t *testing.T) {
	r, card := newTestRearranger(t, testConfig())
	_, err := r.AppendStatic(waveform.Tones{FreqsMHz: []float64{100}, Fracs: []float64{0.5}}, 0.002)
	assert.ErrorIs(t, err, ErrNoDictionary)

	_, err = r.CalculateAllMoves()
	require.NoError(t, err)
	slot, err := r.AppendStatic(waveform.Tones{FreqsMHz: []float64{100, 120}, Fracs: []float64{0.5, 0.5}}, 0.002)
	require.NoError(t, err)
	assert.Equal(t, 4, slot)
	assert.Len(t, card.Channel(4, 0), 1024)

	last, ok := card.Step(3)
	require.True(t, ok)
	assert.Equal(t, 4, last.Next)
	added, ok := card.Step(4)
	require.True(t, ok)
	assert.Equal(t, awgcard.Step{Index: 4, Segment: 4, Loops: 1, Next: 0, Condition: awgcard.OnTrigger}, added)

	slot, err = r.AppendStatic(waveform.Tones{FreqsMHz: []float64{110}, Fracs: []float64{0.5}}, 0.002)
	require.NoError(t, err)
	assert.Equal(t, 5, slot)
	last, _ = card.Step(4)
	assert.Equal(t, 5, last.Next)
	assert.Equal(t, 6, r.Status().Steps)

	_, err = r.AppendStatic(waveform.Tones{FreqsMHz: []float64{500}, Fracs: []float64{0.5}}, 0.002)
	assert.True(t, errors.Is(err, waveform.ErrParameterRange))
}

func TestAltChannel(t *testing.T) {
	cfg := testConfig()
	cfg.Channel = 1
	cfg.AltFreqs = []float64{80, 90}
	cfg.AltAmpMV = 100
	card, err := awgcard.NewNoHardware(testSampleRate, 2)
	require.NoError(t, err)
	r := NewRearranger(awgcard.NewSession(card), nil)
	require.NoError(t, r.SetConfig(cfg))
	_, err = r.CalculateAllMoves()
	require.NoError(t, err)

	_, err = r.Rearrange("10100")
	require.NoError(t, err)
	entry, _ := r.Dictionary().Lookup(MoveBetween(1<<0|1<<2, 1<<0))
	assert.Equal(t, entry.Channels[1], card.Channel(SlotMove, 1))
	alt := card.Channel(SlotMove, 0)
	assert.Equal(t, alt, card.Channel(SlotStaticInitial, 0))
	nonzero := 0
	for _, v := range alt {
		if v != 0 {
			nonzero++
		}
	}
	assert.Greater(t, nonzero, 0)
}

func TestSetRearrFreqAmps(t *testing.T) {
	r, _ := newTestRearranger(t, testConfig())
	require.NoError(t, r.SetRearrFreqAmps(FixedAmp(0.15)))
	cfg := r.Config()
	assert.Equal(t, "0.15", cfg.RearrFreqAmps.String())
	assert.ErrorIs(t, r.SetRearrFreqAmps(FixedAmp(3)), ErrConfiguration)
	cfg = r.Config()
	assert.Equal(t, "0.15", cfg.RearrFreqAmps.String())
}
