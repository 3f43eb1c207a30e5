package awgcard

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// NoHardware is a drop in replacement for a real card (implements Driver)
// that keeps segment memory and the step table in host memory, for testing
// and for running the daemon without a card installed.
type NoHardware struct {
	sampleRate   float64
	nchan        int
	numSegments  int
	isOpen       bool
	segments     map[int][]byte
	steps        map[int]Step
	segmentWrite int
	stepWrite    int

	// FailSegments and FailSteps make writes to the listed indices fail.
	FailSegments map[int]bool
	FailSteps    map[int]bool
}

// NewNoHardware generates and returns a new simulated card.
func NewNoHardware(sampleRate float64, nchan int) (*NoHardware, error) {
	if sampleRate <= 0 || sampleRate > MaxSampleRate {
		return nil, fmt.Errorf("NoHardware: sample rate %v outside (0, %v]", sampleRate, MaxSampleRate)
	}
	if nchan != 1 && nchan != 2 && nchan != 4 {
		return nil, fmt.Errorf("NoHardware: %d channels, want 1, 2 or 4", nchan)
	}
	card := NoHardware{sampleRate: sampleRate, nchan: nchan, isOpen: true,
		segments: make(map[int][]byte), steps: make(map[int]Step),
		FailSegments: make(map[int]bool), FailSteps: make(map[int]bool)}
	return &card, nil
}

// SampleRate returns the simulated sample rate in S/s.
func (card *NoHardware) SampleRate() float64 {
	return card.sampleRate
}

// NumChannels returns the number of enabled channels.
func (card *NoHardware) NumChannels() int {
	return card.nchan
}

// SetNumSegments splits memory into n segments, erasing all segments and steps.
func (card *NoHardware) SetNumSegments(n int) error {
	if !card.isOpen {
		return fmt.Errorf("NoHardware.SetNumSegments: closed")
	}
	if n != RoundSegments(n) {
		return fmt.Errorf("NoHardware.SetNumSegments: %d is not a power of two in range", n)
	}
	card.numSegments = n
	card.segments = make(map[int][]byte)
	card.steps = make(map[int]Step)
	return nil
}

// WriteSegment copies data into segment index.
func (card *NoHardware) WriteSegment(index int, data []byte) error {
	if !card.isOpen {
		return fmt.Errorf("NoHardware.WriteSegment: closed")
	}
	if index < 0 || index >= card.numSegments {
		return fmt.Errorf("NoHardware.WriteSegment: segment %d outside [0, %d)", index, card.numSegments)
	}
	if card.FailSegments[index] {
		return fmt.Errorf("NoHardware.WriteSegment: simulated failure on segment %d", index)
	}
	card.segments[index] = append([]byte(nil), data...)
	card.segmentWrite++
	return nil
}

// WriteStep stores one step table entry.
func (card *NoHardware) WriteStep(step Step) error {
	if !card.isOpen {
		return fmt.Errorf("NoHardware.WriteStep: closed")
	}
	if card.FailSteps[step.Index] {
		return fmt.Errorf("NoHardware.WriteStep: simulated failure on step %d", step.Index)
	}
	card.steps[step.Index] = step
	card.stepWrite++
	return nil
}

// Close errors if already closed
func (card *NoHardware) Close() error {
	if !card.isOpen {
		return fmt.Errorf("NoHardware.Close: already closed")
	}
	card.isOpen = false
	return nil
}

// Channel returns the samples of channel ch held in segment index, or nil.
func (card *NoHardware) Channel(index, ch int) []int16 {
	data, ok := card.segments[index]
	if !ok || ch < 0 || ch >= card.nchan {
		return nil
	}
	return Deinterleave(int16FromBytes(data), card.nchan)[ch]
}

// Step returns the stored step table entry.
func (card *NoHardware) Step(index int) (Step, bool) {
	st, ok := card.steps[index]
	return st, ok
}

// Writes returns how many segment and step writes succeeded.
func (card *NoHardware) Writes() (segments, steps int) {
	return card.segmentWrite, card.stepWrite
}

// Inspect returns a dump of the simulated card's state, without sample data.
func (card *NoHardware) Inspect() string {
	sizes := make(map[int]int)
	for i, d := range card.segments {
		sizes[i] = len(d)
	}
	return spew.Sdump(struct {
		SampleRate   float64
		Channels     int
		NumSegments  int
		Open         bool
		SegmentBytes map[int]int
		Steps        map[int]Step
	}{card.sampleRate, card.nchan, card.numSegments, card.isOpen, sizes, card.steps})
}
