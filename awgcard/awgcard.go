// Package awgcard describes a sequence-mode arbitrary waveform generator: its
// segment memory, its step table, and a Session that records which writes
// succeeded so a sequence is never started on a partly programmed card.
package awgcard

import (
	"errors"
	"fmt"
)

// Limits of the card's sequence mode.
const (
	MinSegments   = 2
	MaxSegments   = 65536
	MaxSteps      = 4096
	MaxLoops      = 1048575
	MaxSampleRate = 625e6
	BlockSize     = 1024
	MemoryBytes   = 4e9 // on-board sample memory
	MaxChannels   = 4
)

// Condition says when a step hands over to its successor.
type Condition int

// Step conditions, numbered as the card's register values.
const (
	OnTrigger Condition = 1 // loop until a trigger arrives
	Always    Condition = 2 // advance after the loops complete
	End       Condition = 3 // stop the sequence after this step
)

func (c Condition) String() string {
	switch c {
	case OnTrigger:
		return "ENDLOOPONTRIG"
	case Always:
		return "ENDLOOPALWAYS"
	case End:
		return "END"
	}
	return fmt.Sprintf("Condition(%d)", int(c))
}

// Step is one entry in the sequencer's step table.
type Step struct {
	Index     int
	Segment   int
	Loops     int
	Next      int
	Condition Condition
}

// Validate checks a step against the step-table limits and the number of segments.
func (st Step) Validate(nsegments int) error {
	switch {
	case st.Index < 0 || st.Index >= MaxSteps:
		return fmt.Errorf("step index %d outside [0, %d)", st.Index, MaxSteps)
	case st.Next < 0 || st.Next >= MaxSteps:
		return fmt.Errorf("step %d: next step %d outside [0, %d)", st.Index, st.Next, MaxSteps)
	case st.Segment < 0 || st.Segment >= nsegments:
		return fmt.Errorf("step %d: segment %d outside [0, %d)", st.Index, st.Segment, nsegments)
	case st.Loops < 1 || st.Loops > MaxLoops:
		return fmt.Errorf("step %d: %d loops outside [1, %d]", st.Index, st.Loops, MaxLoops)
	case st.Condition < OnTrigger || st.Condition > End:
		return fmt.Errorf("step %d: unknown condition %d", st.Index, st.Condition)
	}
	return nil
}

var (
	// ErrHardware wraps every failure reported by a Driver.
	ErrHardware = errors.New("awgcard: hardware write failed")

	// ErrNotArmed means a required segment or step was never written successfully.
	ErrNotArmed = errors.New("awgcard: sequence not armed")
)

// Driver is the low-level card interface. Segment data are interleaved
// little-endian int16 samples, one sample per channel in turn.
type Driver interface {
	SampleRate() float64
	NumChannels() int
	SetNumSegments(n int) error
	WriteSegment(index int, data []byte) error
	WriteStep(step Step) error
	Close() error
}

// RoundSegments returns the segment count the card will actually use for n
// requested segments: the next power of two, clamped to [MinSegments, MaxSegments].
func RoundSegments(n int) int {
	if n > MaxSegments {
		return MaxSegments
	}
	r := MinSegments
	for r < n {
		r <<= 1
	}
	return r
}
