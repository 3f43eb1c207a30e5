package awgcard

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SlotState records the last write to one segment.
type SlotState struct {
	Label   string // what the segment holds
	Samples int    // per channel
	OK      bool
	Written time.Time
}

// Session owns one card and tracks whether each segment and step write
// succeeded. A Session is not safe for concurrent use.
type Session struct {
	driver      Driver
	numSegments int
	maxSegments int
	segDurMs    float64
	slots       map[int]*SlotState
	steps       map[int]Step
	stepOK      map[int]bool
}

// NewSession starts a session on driver.
func NewSession(driver Driver) *Session {
	return &Session{driver: driver, maxSegments: MaxSegments, slots: make(map[int]*SlotState),
		steps: make(map[int]Step), stepOK: make(map[int]bool)}
}

// SegmentLimit returns the most segments SetNumSegments will use.
func (s *Session) SegmentLimit() int {
	return s.maxSegments
}

// SetSegmentLimit lowers the segment count the session may request, for cards
// or firmware that hold fewer than MaxSegments.
func (s *Session) SetSegmentLimit(n int) error {
	if n < MinSegments || n > MaxSegments {
		return fmt.Errorf("segment limit %d outside [%d, %d]", n, MinSegments, MaxSegments)
	}
	s.maxSegments = n
	return nil
}

// Driver returns the card the session writes to.
func (s *Session) Driver() Driver {
	return s.driver
}

// SampleRate returns the card sample rate in S/s.
func (s *Session) SampleRate() float64 {
	return s.driver.SampleRate()
}

// NumChannels returns the number of enabled output channels.
func (s *Session) NumChannels() int {
	return s.driver.NumChannels()
}

// NumSegments returns the segment count set by the last SetNumSegments.
func (s *Session) NumSegments() int {
	return s.numSegments
}

// SetNumSegments divides card memory into at least n segments and returns the
// count actually used (a power of two). All slot and step records are cleared.
func (s *Session) SetNumSegments(n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("cannot use %d segments", n)
	}
	rounded := RoundSegments(n)
	if n > s.maxSegments || rounded > s.maxSegments {
		return 0, fmt.Errorf("%d segments requested (%d after rounding), card holds at most %d", n, rounded, s.maxSegments)
	}
	s.slots = make(map[int]*SlotState)
	s.steps = make(map[int]Step)
	s.stepOK = make(map[int]bool)
	s.numSegments = 0
	if err := s.driver.SetNumSegments(rounded); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrHardware, err)
	}
	s.numSegments = rounded
	return rounded, nil
}

// MaxSegmentMs returns the longest segment (ms) that fits in memory with the
// current segment count and channel count.
func (s *Session) MaxSegmentMs() float64 {
	return MaxSegmentMs(s.numSegments, s.SampleRate(), s.NumChannels())
}

// MaxSegmentMs returns the longest segment (ms) when memory is split into
// nseg segments at sampleRate with nchan channels.
func MaxSegmentMs(nseg int, sampleRate float64, nchan int) float64 {
	if nseg < 1 {
		nseg = 1
	}
	return MemoryBytes / (2 * float64(nseg) * sampleRate * float64(nchan)) * 1e3
}

// MinSegmentMs returns the shortest segment duration: one block.
func (s *Session) MinSegmentMs() float64 {
	return MinSegmentMs(s.SampleRate())
}

// MinSegmentMs returns the duration (ms) of one block at sampleRate.
func MinSegmentMs(sampleRate float64) float64 {
	return BlockSize / sampleRate * 1e3
}

// SetSegDur sets the default segment duration after checking it against the
// one-block minimum and the memory limit.
func (s *Session) SetSegDur(ms float64) error {
	if ms < s.MinSegmentMs() {
		return fmt.Errorf("segment duration %v ms below the minimum %v ms", ms, s.MinSegmentMs())
	}
	if s.numSegments > 0 && ms > s.MaxSegmentMs() {
		return fmt.Errorf("segment duration %v ms above the maximum %v ms for %d segments", ms, s.MaxSegmentMs(), s.numSegments)
	}
	s.segDurMs = ms
	return nil
}

// SegDur returns the default segment duration in ms.
func (s *Session) SegDur() float64 {
	return s.segDurMs
}

// SetSegment writes one buffer per enabled channel to segment index. The
// slot is marked failed unless the whole write succeeds.
func (s *Session) SetSegment(index int, label string, channels ...[]int16) error {
	slot := &SlotState{Label: label, Written: time.Now()}
	s.slots[index] = slot
	if index < 0 || index >= s.numSegments {
		return fmt.Errorf("segment %d outside [0, %d)", index, s.numSegments)
	}
	if len(channels) != s.NumChannels() {
		return fmt.Errorf("segment %d: %d channel buffers for %d channels", index, len(channels), s.NumChannels())
	}
	n := len(channels[0])
	if n < BlockSize || n%BlockSize != 0 {
		return fmt.Errorf("segment %d: %d samples is not a whole number of %d-sample blocks", index, n, BlockSize)
	}
	data, err := Interleave(channels...)
	if err != nil {
		return fmt.Errorf("segment %d: %w", index, err)
	}
	if err := s.driver.WriteSegment(index, bytesFromInt16(data)); err != nil {
		return fmt.Errorf("%w: segment %d (%s): %v", ErrHardware, index, label, err)
	}
	slot.Samples = n
	slot.OK = true
	return nil
}

// SetStep writes one step table entry.
func (s *Session) SetStep(step Step) error {
	s.steps[step.Index] = step
	s.stepOK[step.Index] = false
	if err := step.Validate(s.numSegments); err != nil {
		return err
	}
	if err := s.driver.WriteStep(step); err != nil {
		return fmt.Errorf("%w: step %d: %v", ErrHardware, step.Index, err)
	}
	s.stepOK[step.Index] = true
	return nil
}

// Slot returns the record of the last write to segment index.
func (s *Session) Slot(index int) (SlotState, bool) {
	slot, ok := s.slots[index]
	if !ok {
		return SlotState{}, false
	}
	return *slot, true
}

// Arm checks that every listed segment and step was written successfully and
// that every listed step plays a good segment. The card may start its
// sequence only when Arm returns nil.
func (s *Session) Arm(segments, steps []int) error {
	var problems []string
	for _, i := range segments {
		if slot, ok := s.slots[i]; !ok || !slot.OK {
			problems = append(problems, fmt.Sprintf("segment %d", i))
		}
	}
	for _, i := range steps {
		if !s.stepOK[i] {
			problems = append(problems, fmt.Sprintf("step %d", i))
			continue
		}
		seg := s.steps[i].Segment
		if slot, ok := s.slots[seg]; !ok || !slot.OK {
			problems = append(problems, fmt.Sprintf("step %d plays unwritten segment %d", i, seg))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%w: %s", ErrNotArmed, strings.Join(problems, ", "))
	}
	return nil
}
