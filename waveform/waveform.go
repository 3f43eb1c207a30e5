// Package waveform synthesizes the sample buffers played by the arbitrary
// waveform generator: static tone arrays, moving (chirped) tones, amplitude
// ramps and amplitude-modulated arrays. Frequencies are in MHz, durations in
// ms, tone amplitudes are fractions of the total output amplitude (or optical
// power fractions when a Calibration is in use).
package waveform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const (
	// Rounding is the block size: every segment holds a multiple of this many samples.
	Rounding = 1024

	// MinFreqMHz and MaxFreqMHz bound every tone frequency.
	MinFreqMHz = 1.0
	MaxFreqMHz = 300.0

	// MaxDBm is the highest output power the card is configured for.
	MaxDBm = -1.0

	// FullScale is the int16 sample value that corresponds to the output ceiling.
	FullScale = 32767

	// AODLimitMV is the largest modulated amplitude the AOD amplifier tolerates.
	AODLimitMV = 220.0

	// MaxModFreqKHz bounds the amplitude-modulation frequency.
	MaxModFreqKHz = 2000.0

	// calibrationPoints is the number of trajectory points at which a
	// calibrated amplitude is evaluated before interpolating.
	calibrationPoints = 100
)

var (
	// ErrAmplitudeCeiling means a configured total amplitude exceeds the output ceiling.
	ErrAmplitudeCeiling = errors.New("waveform: total amplitude above output ceiling")

	// ErrParameterRange means a waveform parameter is outside its allowed range.
	ErrParameterRange = errors.New("waveform: parameter out of range")

	// ErrOutOfCalibration means a requested power lies beyond the calibrated contours.
	ErrOutOfCalibration = errors.New("waveform: power outside calibrated range")
)

// MaxOutputMV returns the peak amplitude in mV of a sine carrying dBm into 50 Ω,
// rounded to the nearest mV. At -1 dBm this is 282 mV.
func MaxOutputMV(dBm float64) float64 {
	return math.Round(math.Sqrt(2e-3*50*math.Pow(10, dBm/10)) * 1000)
}

var maxOutputMV = MaxOutputMV(MaxDBm)

// CeilingMV returns the output ceiling in mV used by every Synthesizer.
func CeilingMV() float64 {
	return maxOutputMV
}

// NumSamples returns the sample count of a segment of durationMs at
// sampleRate (S/s), rounded to the nearest whole block and never less than
// one block.
func NumSamples(sampleRate, durationMs float64) int {
	blocks := math.Round(sampleRate * durationMs * 1e-3 / Rounding)
	if blocks < 1 {
		blocks = 1
	}
	return int(blocks) * Rounding
}

// Adjuster rounds freqHz to the nearest frequency with a whole number of
// cycles in nsamples samples, so the segment loops without a phase jump.
// Adjuster(Adjuster(f)) == Adjuster(f).
func Adjuster(freqHz, sampleRate float64, nsamples int) float64 {
	n := float64(nsamples)
	return math.Round(freqHz/sampleRate*n) * sampleRate / n
}

// SafetyLimits holds the peak and RMS limits (mV) beyond which a static
// array's amplitudes are redistributed equally.
type SafetyLimits struct {
	PeakMV float64
	RMSMV  float64
}

// DefaultSafetyLimits are the limits used unless a Synthesizer is given others.
var DefaultSafetyLimits = SafetyLimits{PeakMV: 300, RMSMV: 200}

// Waveform is one synthesized single-channel buffer and the tone parameters
// that were actually used to build it.
type Waveform struct {
	Samples   []int16
	FreqsMHz  []float64 // final tone frequencies, after any adjustment
	AmpsMV    []float64 // per-tone amplitudes at the start of the buffer
	Corrected bool      // amplitudes were redistributed or scaled to stay in range
	Clipped   int       // samples clamped to the int16 range
}

// Synthesizer builds waveforms for one card configuration.
type Synthesizer struct {
	SampleRate  float64 // samples per second
	TotAmpMV    float64
	FreqAdjust  bool
	AmpAdjust   bool
	Calibration *Calibration
	Limits      SafetyLimits
}

// NewSynthesizer returns a Synthesizer or ErrAmplitudeCeiling when totAmpMV
// exceeds the output ceiling.
func NewSynthesizer(sampleRate, totAmpMV float64) (*Synthesizer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %v", ErrParameterRange, sampleRate)
	}
	if totAmpMV < 0 || totAmpMV > maxOutputMV {
		return nil, fmt.Errorf("%w: tot_amp %.1f mV, ceiling %.0f mV", ErrAmplitudeCeiling, totAmpMV, maxOutputMV)
	}
	return &Synthesizer{SampleRate: sampleRate, TotAmpMV: totAmpMV, Limits: DefaultSafetyLimits}, nil
}

// Tones describes a set of simultaneous fixed tones.
type Tones struct {
	FreqsMHz  []float64
	Fracs     []float64
	PhasesDeg []float64 // nil means all zero
}

func (t Tones) validate() error {
	n := len(t.FreqsMHz)
	if n == 0 {
		return fmt.Errorf("%w: no tones", ErrParameterRange)
	}
	if len(t.Fracs) != n {
		return fmt.Errorf("%w: %d amplitudes for %d tones", ErrParameterRange, len(t.Fracs), n)
	}
	if t.PhasesDeg != nil && len(t.PhasesDeg) != n {
		return fmt.Errorf("%w: %d phases for %d tones", ErrParameterRange, len(t.PhasesDeg), n)
	}
	if err := checkFreqs(t.FreqsMHz); err != nil {
		return err
	}
	return checkFracs(t.Fracs)
}

func checkFreqs(freqs []float64) error {
	for _, f := range freqs {
		if f < MinFreqMHz || f > MaxFreqMHz || math.IsNaN(f) {
			return fmt.Errorf("%w: frequency %v MHz outside [%v, %v]", ErrParameterRange, f, MinFreqMHz, MaxFreqMHz)
		}
	}
	return nil
}

func checkFracs(fracs []float64) error {
	for _, a := range fracs {
		if a < 0 || a > 1 || math.IsNaN(a) {
			return fmt.Errorf("%w: amplitude fraction %v outside [0, 1]", ErrParameterRange, a)
		}
	}
	return nil
}

func phasesRad(phasesDeg []float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		if phasesDeg != nil {
			out[i] = phasesDeg[i] * math.Pi / 180
		}
	}
	return out
}

func equalFracs(n int) []float64 {
	fracs := make([]float64, n)
	for i := range fracs {
		fracs[i] = 1 / float64(n)
	}
	return fracs
}

// adjustFreq returns freqMHz snapped to the segment grid when FreqAdjust is set.
func (s *Synthesizer) adjustFreq(freqMHz float64, nsamples int) float64 {
	if !s.FreqAdjust {
		return freqMHz
	}
	return Adjuster(freqMHz*1e6, s.SampleRate, nsamples) * 1e-6
}

// toneMV converts one tone's fraction into an amplitude in mV.
func (s *Synthesizer) toneMV(freqMHz, frac float64) (float64, error) {
	if s.AmpAdjust && s.Calibration != nil {
		return s.Calibration.RFAmplitude(freqMHz, frac)
	}
	return s.TotAmpMV * frac, nil
}

// toneAmps converts fractions into mV. Any calibration overflow redistributes
// all tones to equal shares; the returned bool reports that correction.
func (s *Synthesizer) toneAmps(freqsMHz, fracs []float64) ([]float64, bool) {
	amps, err := s.toneAmpsOnce(freqsMHz, fracs)
	if err == nil {
		return amps, false
	}
	ProblemLogger.Printf("tone amplitudes %v: %v; redistributing equally", fracs, err)
	eq := equalFracs(len(fracs))
	if amps, err = s.toneAmpsOnce(freqsMHz, eq); err == nil {
		return amps, true
	}
	amps = make([]float64, len(fracs))
	for i := range amps {
		amps[i] = s.TotAmpMV * eq[i]
	}
	return amps, true
}

func (s *Synthesizer) toneAmpsOnce(freqsMHz, fracs []float64) ([]float64, error) {
	amps := make([]float64, len(fracs))
	for i := range fracs {
		mv, err := s.toneMV(freqsMHz[i], fracs[i])
		if err != nil {
			return nil, err
		}
		amps[i] = mv
	}
	return amps, nil
}

// sumTones fills out (mV) with the sum of fixed tones.
func (s *Synthesizer) sumTones(out, freqsMHz, ampsMV, phases []float64) {
	for j := range out {
		out[j] = 0
	}
	for i, f := range freqsMHz {
		w := 2 * math.Pi * f * 1e6 / s.SampleRate
		a, p := ampsMV[i], phases[i]
		for j := range out {
			out[j] += a * math.Sin(w*float64(j)+p)
		}
	}
}

// peakRMS returns the peak magnitude and RMS of y.
func peakRMS(y []float64) (float64, float64) {
	if len(y) == 0 {
		return 0, 0
	}
	peak := math.Max(floats.Max(y), -floats.Min(y))
	rms := floats.Norm(y, 2) / math.Sqrt(float64(len(y)))
	return peak, rms
}

// quantize converts mV samples to int16 at the output ceiling, counting any clipped samples.
func quantize(y []float64) ([]int16, int) {
	out := make([]int16, len(y))
	clipped := 0
	scale := FullScale / maxOutputMV
	for j, v := range y {
		x := math.Round(v * scale)
		if x > FullScale {
			x = FullScale
			clipped++
		} else if x < -FullScale {
			x = -FullScale
			clipped++
		}
		out[j] = int16(x)
	}
	return out, clipped
}

// limitPeak scales y and amps uniformly so that the peak stays at or under the ceiling.
func limitPeak(y, amps []float64) bool {
	peak, _ := peakRMS(y)
	if peak <= maxOutputMV {
		return false
	}
	f := maxOutputMV / peak
	floats.Scale(f, y)
	floats.Scale(f, amps)
	return true
}

// Static returns a static array of t lasting durationMs.
func (s *Synthesizer) Static(t Tones, durationMs float64) (*Waveform, error) {
	if durationMs <= 0 {
		return nil, fmt.Errorf("%w: duration %v ms", ErrParameterRange, durationMs)
	}
	return s.StaticSamples(t, NumSamples(s.SampleRate, durationMs))
}

// StaticSamples returns a static array of t holding exactly nsamples samples.
// If the summed waveform exceeds the safety limits, every tone is set to an
// equal share and the result is marked Corrected.
func (s *Synthesizer) StaticSamples(t Tones, nsamples int) (*Waveform, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if nsamples < Rounding || nsamples%Rounding != 0 {
		return nil, fmt.Errorf("%w: %d samples is not a multiple of %d", ErrParameterRange, nsamples, Rounding)
	}
	n := len(t.FreqsMHz)
	freqs := make([]float64, n)
	for i, f := range t.FreqsMHz {
		freqs[i] = s.adjustFreq(f, nsamples)
	}
	phases := phasesRad(t.PhasesDeg, n)
	amps, corrected := s.toneAmps(freqs, t.Fracs)

	y := make([]float64, nsamples)
	s.sumTones(y, freqs, amps, phases)
	if peak, rms := peakRMS(y); peak > s.Limits.PeakMV || rms > s.Limits.RMSMV {
		ProblemLogger.Printf("static array peak %.1f mV, rms %.1f mV exceeds limits; setting %d tones to equal amplitude",
			peak, rms, n)
		amps, _ = s.toneAmps(freqs, equalFracs(n))
		s.sumTones(y, freqs, amps, phases)
		corrected = true
	}
	if limitPeak(y, amps) {
		corrected = true
	}
	samples, clipped := quantize(y)
	return &Waveform{Samples: samples, FreqsMHz: freqs, AmpsMV: amps, Corrected: corrected, Clipped: clipped}, nil
}

// AmpModulated returns a static array whose total amplitude is modulated by
// 1 + depth*sin(2π modFreq t).
func (s *Synthesizer) AmpModulated(t Tones, depth, modFreqKHz, durationMs float64) (*Waveform, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	if depth < 0 || depth > 1 {
		return nil, fmt.Errorf("%w: modulation depth %v outside [0, 1]", ErrParameterRange, depth)
	}
	if modFreqKHz < 0 || modFreqKHz > MaxModFreqKHz {
		return nil, fmt.Errorf("%w: modulation frequency %v kHz outside [0, %v]", ErrParameterRange, modFreqKHz, MaxModFreqKHz)
	}
	if worst := s.TotAmpMV * floats.Max(t.Fracs) * (1 + depth); worst > AODLimitMV {
		return nil, fmt.Errorf("%w: modulated amplitude %.1f mV above AOD limit %.0f mV", ErrParameterRange, worst, AODLimitMV)
	}
	if durationMs <= 0 {
		return nil, fmt.Errorf("%w: duration %v ms", ErrParameterRange, durationMs)
	}
	nsamples := NumSamples(s.SampleRate, durationMs)
	n := len(t.FreqsMHz)
	freqs := make([]float64, n)
	for i, f := range t.FreqsMHz {
		freqs[i] = s.adjustFreq(f, nsamples)
	}
	amps, corrected := s.toneAmps(freqs, t.Fracs)
	y := make([]float64, nsamples)
	s.sumTones(y, freqs, amps, phasesRad(t.PhasesDeg, n))
	wm := 2 * math.Pi * modFreqKHz * 1e3 / s.SampleRate
	for j := range y {
		y[j] *= 1 + depth*math.Sin(wm*float64(j))
	}
	if limitPeak(y, amps) {
		corrected = true
	}
	samples, clipped := quantize(y)
	return &Waveform{Samples: samples, FreqsMHz: freqs, AmpsMV: amps, Corrected: corrected, Clipped: clipped}, nil
}
