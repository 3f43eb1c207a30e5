package tweezer

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tweezerlab/tweezer/awgcard"
	"github.com/tweezerlab/tweezer/internal/awgdb"
	"github.com/tweezerlab/tweezer/waveform"
)

var (
	// ErrEnumerating means a shot arrived while the dictionary was being rebuilt.
	ErrEnumerating = errors.New("enumeration in progress")

	// ErrDisabled means rearrangement is switched off.
	ErrDisabled = errors.New("rearrangement is disabled")

	// ErrNoDictionary means no enumeration pass has completed yet.
	ErrNoDictionary = errors.New("no moves dictionary: run CalculateAllMoves first")
)

// Recorder stores enumeration passes and shots, for example in a database.
type Recorder interface {
	RecordEnumeration(*awgdb.EnumerationMessage)
	RecordShot(*awgdb.ShotMessage)
}

// EnumerationReport summarizes one enumeration pass.
type EnumerationReport struct {
	ID          string
	Mode        RearrangementMode
	Waveforms   int
	Corrected   int
	Requested   int // segments asked for
	NumSegments int // segments the card uses
	BaseSlots   string
	Duration    time.Duration
	Armed       bool
	ArmError    string
}

// ShotResult reports what happened to one occupancy string.
type ShotResult struct {
	Occupancy string
	Key       string
	Outcome   string
	Error     string
	LatencyUs int64
}

// Shot outcomes.
const (
	OutcomeSwapped      = "swapped"
	OutcomeSkipped      = "skipped"
	OutcomeNotFound     = "not_found"
	OutcomeBadOccupancy = "bad_occupancy"
	OutcomeHardware     = "hardware_error"
	OutcomeRejected     = "rejected"
)

// Rearranger owns one card session and everything built for it: the active
// configuration, the moves dictionary, the segment store and the scheduler.
type Rearranger struct {
	mu          sync.Mutex
	session     *awgcard.Session
	store       *SegmentStore
	scheduler   *Scheduler
	enumerator  *MoveEnumerator
	cfg         *RearrConfig
	configFile  string
	stale       bool // cfg changed since the last enumeration
	enabled     bool
	enumerating atomic.Bool
	armErr      error
	steps       []awgcard.Step
	recorder    Recorder
	last        EnumerationReport
}

// NewRearranger returns a Rearranger with the default configuration. The
// recorder may be nil.
func NewRearranger(session *awgcard.Session, recorder Recorder) *Rearranger {
	return &Rearranger{session: session, store: NewSegmentStore(session), cfg: DefaultRearrConfig(),
		enabled: true, recorder: recorder, armErr: ErrNoDictionary, stale: true}
}

// Config returns a copy of the active configuration.
func (r *Rearranger) Config() RearrConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.cfg
}

// SetConfig validates and installs cfg. The dictionary is not rebuilt until
// CalculateAllMoves runs.
func (r *Rearranger) SetConfig(cfg *RearrConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.stale = true
	return nil
}

// LoadConfig reads, validates and installs a configuration file.
func (r *Rearranger) LoadConfig(filename string) error {
	cfg, err := LoadRearrConfig(filename)
	if err != nil {
		return err
	}
	if err := r.SetConfig(cfg); err != nil {
		return err
	}
	r.mu.Lock()
	r.configFile = filename
	r.mu.Unlock()
	log.Printf("Loaded rearrangement config %s (%s, %d -> %d sites)", filename, cfg.Mode,
		len(cfg.InitialFreqs), len(cfg.TargetFreqs))
	return nil
}

// SaveConfig writes the active configuration to filename.
func (r *Rearranger) SaveConfig(filename string) error {
	cfg := r.Config()
	return cfg.Save(filename)
}

// SetRearrFreqAmps changes the tone amplitude used during rearrangement.
func (r *Rearranger) SetRearrFreqAmps(a AmpSetting) error {
	cfg := r.Config()
	cfg.RearrFreqAmps = a
	return r.SetConfig(&cfg)
}

// SetEnabled switches rearrangement on or off. The card is not touched.
func (r *Rearranger) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
}

// Dictionary returns the committed moves dictionary, or nil.
func (r *Rearranger) Dictionary() *MovesDictionary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Dictionary()
}

// baseSteps returns the fixed step table: wait in the initial array for the
// trigger, play the move once, then the target array (after the ramp, when
// there is one) until the next trigger.
func baseSteps(l Layout) []awgcard.Step {
	steps := []awgcard.Step{
		{Index: 0, Segment: SlotStaticInitial, Loops: 1, Next: 1, Condition: awgcard.OnTrigger},
		{Index: 1, Segment: SlotMove, Loops: 1, Next: 2, Condition: awgcard.Always},
	}
	if l.powerRamp {
		return append(steps,
			awgcard.Step{Index: 2, Segment: SlotTarget, Loops: 1, Next: 3, Condition: awgcard.Always},
			awgcard.Step{Index: 3, Segment: SlotFinal, Loops: 1, Next: 0, Condition: awgcard.OnTrigger})
	}
	return append(steps, awgcard.Step{Index: 2, Segment: SlotTarget, Loops: 1, Next: 0, Condition: awgcard.OnTrigger})
}

// CalculateAllMoves rebuilds the moves dictionary from the active
// configuration, repartitions the card, loads the base segments and programs
// the step table. If synthesis fails the previous dictionary and card
// contents are kept. Shots arriving meanwhile get ErrEnumerating.
func (r *Rearranger) CalculateAllMoves() (EnumerationReport, error) {
	if !r.enumerating.CompareAndSwap(false, true) {
		return EnumerationReport{}, ErrEnumerating
	}
	defer r.enumerating.Store(false)
	started := time.Now()

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	enum, err := NewMoveEnumerator(cfg, r.session.SampleRate(), r.session.NumChannels())
	if err != nil {
		ProblemLogger.Printf("CalculateAllMoves: %v", err)
		return EnumerationReport{}, err
	}
	enum.maxSegs = r.session.SegmentLimit()
	dict, err := enum.Enumerate()
	if err != nil {
		ProblemLogger.Printf("CalculateAllMoves: %v; keeping the previous dictionary", err)
		return EnumerationReport{}, err
	}
	scheduler, err := NewScheduler(cfg, r.store)
	if err != nil {
		return EnumerationReport{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	layout := newLayout(cfg)
	report := EnumerationReport{ID: dict.ID, Mode: dict.Mode, Waveforms: dict.Len(), Corrected: dict.Corrected,
		Requested: enum.RequiredSegments()}
	r.armErr = r.program(enum, dict, layout, &report)
	if report.NumSegments > 0 {
		// The card now holds the new partition, so only the new pass can drive it.
		r.enumerator = enum
		r.scheduler = scheduler
		r.stale = false
		r.last = report
	}
	report.Duration = time.Since(started)
	report.Armed = r.armErr == nil
	if r.armErr != nil {
		report.ArmError = r.armErr.Error()
		ProblemLogger.Printf("CalculateAllMoves: %v", r.armErr)
	}

	if r.recorder != nil {
		r.recorder.RecordEnumeration(&awgdb.EnumerationMessage{
			ID: dict.ID, ActivityID: ActivityID, Mode: string(dict.Mode), NInitial: len(cfg.InitialFreqs),
			NTarget: len(cfg.TargetFreqs), Waveforms: dict.Len(), Segments: report.NumSegments,
			Corrected: dict.Corrected, Armed: report.Armed, Start: started, End: time.Now(),
		})
	}
	publishUpdate("ENUMERATION", report)
	return report, r.armErr
}

// program repartitions the card and writes the base segments and steps. It
// returns nil only when the sequence may be started. report.NumSegments stays
// zero if the card was not repartitioned.
func (r *Rearranger) program(enum *MoveEnumerator, dict *MovesDictionary, layout Layout, report *EnumerationReport) error {
	nseg, err := r.session.SetNumSegments(report.Requested)
	if err != nil {
		if r.session.NumSegments() == 0 {
			// The card was cleared before it failed.
			r.steps = nil
			r.store.Forget()
		}
		return err
	}
	report.NumSegments = nseg
	r.steps = nil
	r.store.Commit(dict, layout.baseSlots())
	if err := r.session.SetSegDur(enum.cfg.StaticDurationMs); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	writes := enum.strategy.BaseWrites(layout)
	keys := make([]MoveKey, len(writes))
	for i, w := range writes {
		keys[i] = w.Key
	}
	report.BaseSlots = describeKeys(keys)
	entries, err := r.store.Prepare(writes)
	if err != nil {
		return err
	}
	var firstErr error
	if err := r.store.Write(writes, entries); err != nil {
		firstErr = err
	}
	r.steps = baseSteps(layout)
	for _, st := range r.steps {
		if err := r.session.SetStep(st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.arm(); err != nil {
		return err
	}
	return firstErr
}

// arm checks that every base segment and step is in place.
func (r *Rearranger) arm() error {
	if len(r.steps) == 0 {
		return fmt.Errorf("%w: no step table", awgcard.ErrNotArmed)
	}
	segs := make([]int, 0, len(r.steps))
	idx := make([]int, len(r.steps))
	for i, st := range r.steps {
		segs = append(segs, st.Segment)
		idx[i] = st.Index
	}
	return r.session.Arm(segs, idx)
}

// Rearrange handles one shot's occupancy string. Lookup and hardware errors
// are reported in the result and the returned error, never by panicking.
func (r *Rearranger) Rearrange(occupancy string) (ShotResult, error) {
	result := ShotResult{Occupancy: occupancy, Outcome: OutcomeRejected}
	if r.enumerating.Load() {
		result.Error = ErrEnumerating.Error()
		return result, ErrEnumerating
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case !r.enabled:
		result.Error = ErrDisabled.Error()
		return result, ErrDisabled
	case r.scheduler == nil:
		result.Error = ErrNoDictionary.Error()
		return result, ErrNoDictionary
	}

	started := time.Now()
	sel, err := r.scheduler.Rearrange(occupancy)
	result.LatencyUs = time.Since(started).Microseconds()
	if sel.Writes != nil {
		result.Key = sel.Move.String()
	}
	switch {
	case err == nil:
		result.Outcome = OutcomeSwapped
		if r.armErr != nil {
			r.armErr = r.arm()
		}
	case errors.Is(err, ErrInsufficientAtoms):
		result.Outcome = OutcomeSkipped
	case errors.Is(err, ErrMoveNotFound):
		result.Outcome = OutcomeNotFound
	case errors.Is(err, ErrBadOccupancy):
		result.Outcome = OutcomeBadOccupancy
	default:
		// The card refused or failed a segment write.
		result.Outcome = OutcomeHardware
		r.armErr = r.arm()
	}
	if err != nil {
		result.Error = err.Error()
	}

	if r.recorder != nil {
		r.recorder.RecordShot(&awgdb.ShotMessage{
			ID: ulid.Make().String(), EnumerationID: r.last.ID, Occupancy: occupancy, MoveKey: result.Key,
			Outcome: result.Outcome, LatencyUs: result.LatencyUs, Time: started,
		})
	}
	publishUpdate("SHOT", result)
	return result, err
}

// AppendStatic writes a static array into the next free segment after the
// rearrangement segments and chains a step for it after the last step.
func (r *Rearranger) AppendStatic(tones waveform.Tones, durationMs float64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.enumerator == nil:
		return 0, ErrNoDictionary
	case len(r.steps) == 0:
		return 0, fmt.Errorf("%w: no step table to extend", awgcard.ErrNotArmed)
	}
	w, err := r.enumerator.synth.Static(tones, durationMs)
	if err != nil {
		return 0, err
	}
	channels := make([][]int16, r.session.NumChannels())
	for ch := range channels {
		if ch == r.enumerator.cfg.Channel {
			channels[ch] = w.Samples
			continue
		}
		if channels[ch], err = r.enumerator.altChannel(len(w.Samples)); err != nil {
			return 0, err
		}
	}
	slot, err := r.store.Append(fmt.Sprintf("aux%d", r.store.counter), channels...)
	if err != nil {
		return 0, err
	}

	last := r.steps[len(r.steps)-1]
	next := awgcard.Step{Index: last.Index + 1, Segment: slot, Loops: 1, Next: 0, Condition: awgcard.OnTrigger}
	last.Next = next.Index
	if err := r.session.SetStep(next); err != nil {
		return slot, err
	}
	if err := r.session.SetStep(last); err != nil {
		return slot, err
	}
	r.steps[len(r.steps)-1] = last
	r.steps = append(r.steps, next)
	return slot, nil
}

// Status describes the rearranger and its card.
type Status struct {
	Enabled       bool
	Enumerating   bool
	Armed         bool
	ArmError      string
	Stale         bool // configuration changed since the last enumeration
	Mode          RearrangementMode
	ConfigFile    string
	Channels      int
	RearrChannel  int
	NumSegments   int
	SampleRate    float64
	MaxSegmentMs  float64
	InitialFreqs  []float64
	TargetFreqs   []float64
	RearrFreqAmps string
	Waveforms     int
	DictionaryID  string
	Steps         int
	State         string
	Stats         ShotStats
}

// Status returns the current status.
func (r *Rearranger) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Status{
		Enabled:       r.enabled,
		Enumerating:   r.enumerating.Load(),
		Armed:         r.armErr == nil,
		Stale:         r.stale,
		Mode:          r.cfg.Mode,
		ConfigFile:    r.configFile,
		Channels:      r.session.NumChannels(),
		RearrChannel:  r.cfg.Channel,
		NumSegments:   r.session.NumSegments(),
		SampleRate:    r.session.SampleRate(),
		MaxSegmentMs:  r.session.MaxSegmentMs(),
		InitialFreqs:  r.cfg.InitialFreqs,
		TargetFreqs:   r.cfg.TargetFreqs,
		RearrFreqAmps: r.cfg.RearrFreqAmps.String(),
		Waveforms:     r.store.Dictionary().Len(),
		Steps:         len(r.steps),
		State:         WaitOccupancy.String(),
	}
	if r.armErr != nil {
		s.ArmError = r.armErr.Error()
	}
	if d := r.store.Dictionary(); d != nil {
		s.DictionaryID = d.ID
	}
	if r.scheduler != nil {
		s.State = r.scheduler.State().String()
		s.Stats = r.scheduler.Stats()
	}
	return s
}
