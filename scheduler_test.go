package tweezer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tweezerlab/tweezer/awgcard"
)

func TestSchedulerStates(t *testing.T) {
	names := map[SchedulerState]string{WaitOccupancy: "WaitOccupancy", SelectKey: "SelectKey",
		SwapSegment: "SwapSegment", Armed: "Armed"}
	for s, name := range names {
		assert.Equal(t, name, s.String())
	}
}

func TestSchedulerLengthMismatch(t *testing.T) {
	r, _ := newTestRearranger(t, testConfig())
	_, err := r.CalculateAllMoves()
	require.NoError(t, err)

	sel, err := r.scheduler.SelectKey("1010")
	require.NoError(t, err)
	assert.True(t, sel.Occupancy.LengthMismatch)
	assert.Equal(t, "02m0", sel.Move.String())

	result, err := r.Rearrange("0010011")
	require.NoError(t, err)
	assert.Equal(t, "2m0", result.Key)
	stats := r.Status().Stats
	assert.Equal(t, 1, stats.LengthWarnings)
	assert.Equal(t, 1, stats.Swapped)
	assert.Greater(t, stats.MaxLatency, time.Duration(0))
}

func TestSegmentStore(t *testing.T) {
	card, err := awgcard.NewNoHardware(testSampleRate, 1)
	require.NoError(t, err)
	session := awgcard.NewSession(card)
	_, err = session.SetNumSegments(4)
	require.NoError(t, err)
	store := NewSegmentStore(session)

	enum, err := NewMoveEnumerator(testConfig(), testSampleRate, 1)
	require.NoError(t, err)
	dict, err := enum.Enumerate()
	require.NoError(t, err)
	store.Commit(dict, 3)

	writes := []SlotWrite{{0, StaticInitialKey(FirstSites(5))}, {1, MoveBetween(FirstSites(2), FirstSites(1))}}
	entries, err := store.Prepare(writes)
	require.NoError(t, err)
	require.NoError(t, store.Write(writes, entries))
	segs, _ := card.Writes()
	assert.Equal(t, 2, segs)

	// A missing key fails before anything is written.
	writes = append(writes, SlotWrite{2, StaticTargetKey(FirstSites(3))})
	_, err = store.Prepare(writes)
	assert.ErrorIs(t, err, ErrMoveNotFound)

	slot, err := store.Append("extra", make([]int16, 1024))
	require.NoError(t, err)
	assert.Equal(t, 3, slot)
	_, err = store.Append("full", make([]int16, 1024))
	assert.Error(t, err)
}
