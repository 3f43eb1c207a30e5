package tweezer

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tweezerlab/tweezer/awgcard"
	"github.com/tweezerlab/tweezer/waveform"
)

// Entry is one precomputed waveform: one buffer per enabled card channel.
type Entry struct {
	Key       MoveKey
	Channels  [][]int16
	Corrected bool // amplitudes were redistributed during synthesis
}

// Samples returns the per-channel sample count.
func (e *Entry) Samples() int {
	return len(e.Channels[0])
}

// MovesDictionary maps every MoveKey of one enumeration pass to its waveform.
// It is read-only once built.
type MovesDictionary struct {
	ID        string
	Mode      RearrangementMode
	Created   time.Time
	Corrected int
	entries   map[MoveKey]*Entry
	keys      []MoveKey
}

func newMovesDictionary(mode RearrangementMode) *MovesDictionary {
	return &MovesDictionary{ID: ulid.Make().String(), Mode: mode, Created: time.Now(),
		entries: make(map[MoveKey]*Entry)}
}

func (d *MovesDictionary) add(e *Entry) {
	if _, ok := d.entries[e.Key]; ok {
		return
	}
	d.entries[e.Key] = e
	d.keys = append(d.keys, e.Key)
	if e.Corrected {
		d.Corrected++
	}
}

// Lookup returns the waveform for key.
func (d *MovesDictionary) Lookup(key MoveKey) (*Entry, bool) {
	if d == nil {
		return nil, false
	}
	e, ok := d.entries[key]
	return e, ok
}

// Len returns the number of waveforms.
func (d *MovesDictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in generation order.
func (d *MovesDictionary) Keys() []MoveKey {
	if d == nil {
		return nil
	}
	return append([]MoveKey(nil), d.keys...)
}

// MoveEnumerator synthesizes the waveform for every key a configuration needs.
type MoveEnumerator struct {
	cfg        *RearrConfig
	strategy   ModeStrategy
	layout     Layout
	synth      *waveform.Synthesizer
	altSynth   *waveform.Synthesizer
	phaser     *waveform.PhaseOptimizer
	nchan      int
	maxSegs    int
	rearrFracs []float64
	altCache   map[int][]int16
	phaseCache map[string][]float64
}

// NewMoveEnumerator prepares synthesis of cfg for a card running at
// sampleRate with nchan channels.
func NewMoveEnumerator(cfg *RearrConfig, sampleRate float64, nchan int) (*MoveEnumerator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Channel >= nchan {
		return nil, fmt.Errorf("%w: channel %d but the card has %d channels", ErrConfiguration, cfg.Channel, nchan)
	}
	strategy, err := strategyFor(cfg.Mode)
	if err != nil {
		return nil, err
	}
	synth, err := waveform.NewSynthesizer(sampleRate, cfg.TotAmpMV)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	synth.FreqAdjust = cfg.FreqAdjust
	synth.AmpAdjust = cfg.AmpAdjust
	if cfg.AmpAdjust {
		cal, err := waveform.LoadCalibration(cfg.CalibrationFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		synth.Calibration = cal
	}
	rf, err := cfg.rearrFracs()
	if err != nil {
		return nil, err
	}
	e := &MoveEnumerator{cfg: cfg, strategy: strategy, layout: newLayout(cfg), synth: synth,
		phaser: waveform.NewPhaseOptimizer(sampleRate), nchan: nchan, maxSegs: awgcard.MaxSegments, rearrFracs: rf,
		altCache: make(map[int][]int16), phaseCache: make(map[string][]float64)}

	if len(cfg.AltFreqs) > 0 {
		if nchan < 2 {
			ProblemLogger.Printf("alt_freqs %v ignored: only one channel is enabled", cfg.AltFreqs)
		} else {
			alt, err := waveform.NewSynthesizer(sampleRate, cfg.AltAmpMV)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
			}
			alt.FreqAdjust = cfg.FreqAdjust
			e.altSynth = alt
		}
	}
	return e, nil
}

// RequiredSegments returns the segment count to request from the card.
func (e *MoveEnumerator) RequiredSegments() int {
	return max(e.strategy.RequiredSegments(e.layout, e.cfg.HeadroomSegs), e.layout.baseSlots())
}

// CheckDurations verifies, before anything touches the card, that the
// segment count fits the card and that every segment is at least one block
// long and fits in memory once the card is divided into RequiredSegments
// segments.
func (e *MoveEnumerator) CheckDurations() error {
	required := e.RequiredSegments()
	nseg := awgcard.RoundSegments(required)
	if required > e.maxSegs || nseg > e.maxSegs {
		return fmt.Errorf("%w: %d segments needed (%d after rounding), card limit is %d",
			ErrConfiguration, required, nseg, e.maxSegs)
	}
	type duration struct {
		name string
		ms   float64
	}
	durations := []duration{
		{"static_duration_[ms]", e.cfg.StaticDurationMs},
		{"moving_duration_[ms]", e.cfg.MovingDurationMs},
	}
	if e.cfg.PowerRamp {
		durations = append(durations, duration{"ramp_duration_[ms]", e.cfg.RampDurationMs})
	}
	shortest := awgcard.MinSegmentMs(e.synth.SampleRate)
	longest := 0.0
	for _, d := range durations {
		if d.ms < shortest {
			return fmt.Errorf("%w: %s %v is shorter than one %d-sample block (%.4g ms)",
				ErrConfiguration, d.name, d.ms, awgcard.BlockSize, shortest)
		}
		longest = max(longest, d.ms)
	}
	limit := awgcard.MaxSegmentMs(nseg, e.synth.SampleRate, e.nchan)
	if longest > limit {
		return fmt.Errorf("%w: %v ms segments do not fit in memory split into %d segments (max %.4g ms)",
			ErrConfiguration, longest, nseg, limit)
	}
	return nil
}

// Enumerate synthesizes every waveform of the configuration. Any failure
// aborts the pass and no dictionary is returned.
func (e *MoveEnumerator) Enumerate() (*MovesDictionary, error) {
	if err := e.CheckDurations(); err != nil {
		return nil, err
	}
	dict := newMovesDictionary(e.strategy.Mode())
	started := time.Now()
	for _, key := range e.strategy.Keys(e.layout) {
		if _, ok := dict.Lookup(key); ok {
			continue
		}
		entry, err := e.Generate(key)
		if err != nil {
			return nil, err
		}
		dict.add(entry)
	}
	log.Printf("Enumerated %d %s waveforms in %v (%d amplitude corrections)", dict.Len(), dict.Mode,
		time.Since(started).Round(time.Millisecond), dict.Corrected)
	return dict, nil
}

// Generate synthesizes the waveform of one key.
func (e *MoveEnumerator) Generate(key MoveKey) (*Entry, error) {
	w, err := e.synthesize(key)
	if err != nil {
		return nil, fmt.Errorf("%w: waveform %s: %w", ErrConfiguration, key, err)
	}
	if w.Clipped > 0 {
		ProblemLogger.Printf("waveform %s: %d samples clipped", key, w.Clipped)
	}
	channels := make([][]int16, e.nchan)
	n := len(w.Samples)
	for ch := range channels {
		if ch == e.cfg.Channel {
			channels[ch] = w.Samples
			continue
		}
		other, err := e.altChannel(n)
		if err != nil {
			return nil, fmt.Errorf("%w: alt channel for %s: %w", ErrConfiguration, key, err)
		}
		channels[ch] = other
	}
	return &Entry{Key: key, Channels: channels, Corrected: w.Corrected}, nil
}

func (e *MoveEnumerator) synthesize(key MoveKey) (*waveform.Waveform, error) {
	cfg := e.cfg
	switch key.Kind {
	case StaticInitial:
		freqs := key.From.Pick(cfg.InitialFreqs)
		fracs := key.From.Pick(e.rearrFracs)
		return e.synth.Static(waveform.Tones{FreqsMHz: freqs, Fracs: fracs, PhasesDeg: e.phases(freqs, fracs)},
			cfg.StaticDurationMs)

	case StaticTarget:
		freqs := key.From.Pick(cfg.TargetFreqs)
		fracs, err := cfg.finalFracs(len(freqs))
		if err != nil {
			return nil, err
		}
		return e.synth.Static(waveform.Tones{FreqsMHz: freqs, Fracs: fracs, PhasesDeg: e.phases(freqs, fracs)},
			cfg.StaticDurationMs)

	case RampKind:
		freqs := key.From.Pick(cfg.TargetFreqs)
		end, err := cfg.finalFracs(len(freqs))
		if err != nil {
			return nil, err
		}
		return e.synth.Ramp(waveform.Ramp{FreqsMHz: freqs, StartFracs: e.rearrFracs[:len(freqs)], EndFracs: end,
			PhasesDeg: e.phases(freqs, end), DurationMs: cfg.RampDurationMs})

	case Moving:
		return e.synth.Moving(e.move(key))
	}
	return nil, fmt.Errorf("unknown waveform kind %d", key.Kind)
}

// move builds the trajectory of a Moving key. The first To.Len() loaded
// sites travel to the target sites in ascending order; the rest stay put and
// fade out.
func (e *MoveEnumerator) move(key MoveKey) waveform.Move {
	cfg := e.cfg
	from := key.From.Indices()
	to := key.To.Indices()
	allFreqs := cfg.InitialFreqs
	allFracs := e.rearrFracs
	phases := e.phases(allFreqs, allFracs)
	m := waveform.Move{Hybridicity: cfg.Hybridicity, DurationMs: cfg.MovingDurationMs}
	for i, site := range from {
		start := allFreqs[site]
		m.StartMHz = append(m.StartMHz, start)
		m.StartFracs = append(m.StartFracs, allFracs[site])
		if phases != nil {
			m.PhasesDeg = append(m.PhasesDeg, phases[site])
		}
		if i < len(to) {
			m.EndMHz = append(m.EndMHz, cfg.TargetFreqs[to[i]])
			m.EndFracs = append(m.EndFracs, allFracs[site])
		} else {
			m.EndMHz = append(m.EndMHz, start)
			m.EndFracs = append(m.EndFracs, 0)
		}
	}
	return m
}

// phases returns optimized phases for a static tone set, or nil when phase
// adjustment is off. Results are cached per tone set.
func (e *MoveEnumerator) phases(freqs, fracs []float64) []float64 {
	if !e.cfg.PhaseAdjust || len(freqs) < 2 {
		return nil
	}
	id := fmt.Sprint(freqs, fracs)
	if p, ok := e.phaseCache[id]; ok {
		return p
	}
	res := e.phaser.Optimize(freqs, fracs)
	if !res.Success {
		ProblemLogger.Printf("phase optimization for %v MHz did not succeed (crest %.3f, baseline %.3f)",
			freqs, res.Cost, res.Baseline)
	}
	e.phaseCache[id] = res.PhasesDeg
	return res.PhasesDeg
}

// altChannel returns the buffer for a channel that does not carry the
// rearrangement: the alt_freqs static array, or silence.
func (e *MoveEnumerator) altChannel(nsamples int) ([]int16, error) {
	if buf, ok := e.altCache[nsamples]; ok {
		return buf, nil
	}
	buf := make([]int16, nsamples)
	if e.altSynth != nil {
		n := len(e.cfg.AltFreqs)
		fracs := make([]float64, n)
		for i := range fracs {
			fracs[i] = 1 / float64(n)
		}
		w, err := e.altSynth.StaticSamples(waveform.Tones{FreqsMHz: e.cfg.AltFreqs, Fracs: fracs}, nsamples)
		if err != nil {
			return nil, err
		}
		buf = w.Samples
	}
	e.altCache[nsamples] = buf
	return buf, nil
}

// describeKeys returns a short listing of keys for logs.
func describeKeys(keys []MoveKey) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, " ")
}
