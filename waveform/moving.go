package waveform

import (
	"fmt"
	"log"
	"math"
	"os"

	"gonum.org/v1/gonum/interp"
)

// ProblemLogger receives warnings about auto-corrected amplitudes. The daemon
// points it at the same file as the rest of its problem log.
var ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)

// MinJerk is the minimum-jerk displacement d(10x³ - 15x⁴ + 6x⁵), x = t/T.
func MinJerk(t, d, T float64) float64 {
	x := t / T
	return d * x * x * x * (10 - 15*x + 6*x*x)
}

// HybridJerk maps normalised time tau in [0,1] to normalised displacement in
// [0,1]. Hybridicity a = 0 is a pure minimum-jerk profile, a = 1 is linear,
// and values between join two minimum-jerk halves with a linear middle
// section of fractional length a.
func HybridJerk(tau, a float64) float64 {
	switch {
	case tau <= 0:
		return 0
	case tau >= 1:
		return 1
	case a >= 1:
		return tau
	}
	edge := 0.5 * (1 - a)
	d := 8 * (1 - a) / (8 + 7*a)
	switch {
	case tau <= edge:
		return MinJerk(tau, d, 1-a)
	case tau <= edge+a:
		return 15/(8+7*a)*tau + 7*(a-1)/(2*(8+7*a))
	default:
		return MinJerk(tau-a, d, 1-a) + 15*a/(8+7*a)
	}
}

// Move describes tones travelling from StartMHz to EndMHz while their
// amplitude fractions change linearly from StartFracs to EndFracs.
type Move struct {
	StartMHz    []float64
	EndMHz      []float64
	StartFracs  []float64
	EndFracs    []float64
	PhasesDeg   []float64 // nil means all zero
	Hybridicity float64
	DurationMs  float64
}

func (m Move) validate() error {
	n := len(m.StartMHz)
	if n == 0 {
		return fmt.Errorf("%w: no tones", ErrParameterRange)
	}
	if len(m.EndMHz) != n || len(m.StartFracs) != n || len(m.EndFracs) != n {
		return fmt.Errorf("%w: move arrays have lengths %d, %d, %d, %d", ErrParameterRange,
			n, len(m.EndMHz), len(m.StartFracs), len(m.EndFracs))
	}
	if m.PhasesDeg != nil && len(m.PhasesDeg) != n {
		return fmt.Errorf("%w: %d phases for %d tones", ErrParameterRange, len(m.PhasesDeg), n)
	}
	if m.Hybridicity < 0 || m.Hybridicity > 1 {
		return fmt.Errorf("%w: hybridicity %v outside [0, 1]", ErrParameterRange, m.Hybridicity)
	}
	if m.DurationMs <= 0 {
		return fmt.Errorf("%w: duration %v ms", ErrParameterRange, m.DurationMs)
	}
	for _, f := range [][]float64{m.StartMHz, m.EndMHz} {
		if err := checkFreqs(f); err != nil {
			return err
		}
	}
	for _, a := range [][]float64{m.StartFracs, m.EndFracs} {
		if err := checkFracs(a); err != nil {
			return err
		}
	}
	return nil
}

// Moving returns the buffer for m. Each tone's instantaneous frequency follows
// HybridJerk and its phase is the running sum of that frequency, so there is
// no phase jump along the move.
func (s *Synthesizer) Moving(m Move) (*Waveform, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	nsamples := NumSamples(s.SampleRate, m.DurationMs)
	n := len(m.StartMHz)
	start := make([]float64, n)
	end := make([]float64, n)
	for i := range start {
		start[i] = s.adjustFreq(m.StartMHz[i], nsamples)
		end[i] = s.adjustFreq(m.EndMHz[i], nsamples)
	}
	phases := phasesRad(m.PhasesDeg, n)

	// Normalised trajectory, shared by all tones.
	traj := make([]float64, nsamples)
	last := float64(nsamples - 1)
	for j := range traj {
		traj[j] = HybridJerk(float64(j)/last, m.Hybridicity)
	}

	y := make([]float64, nsamples)
	startAmps := make([]float64, n)
	corrected := false
	for i := 0; i < n; i++ {
		env, fixed, err := s.envelope(start[i], end[i], m.StartFracs[i], m.EndFracs[i], m.Hybridicity, nsamples)
		if err != nil {
			return nil, err
		}
		corrected = corrected || fixed
		startAmps[i] = env[0]
		df := end[i] - start[i]
		phase := phases[i]
		for j := range y {
			y[j] += env[j] * math.Sin(phase)
			f := (start[i] + df*traj[j]) * 1e6
			phase += 2 * math.Pi * f / s.SampleRate
		}
	}
	if limitPeak(y, startAmps) {
		corrected = true
	}
	samples, clipped := quantize(y)
	return &Waveform{Samples: samples, FreqsMHz: end, AmpsMV: startAmps, Corrected: corrected, Clipped: clipped}, nil
}

// envelope returns the amplitude (mV) of one tone at every sample. Without
// calibration it is linear in the fraction. With calibration the amplitude is
// evaluated at calibrationPoints points of the trajectory and interpolated.
func (s *Synthesizer) envelope(f0, f1, a0, a1, hyb float64, nsamples int) ([]float64, bool, error) {
	env := make([]float64, nsamples)
	last := float64(nsamples - 1)
	if !s.AmpAdjust || s.Calibration == nil {
		for j := range env {
			x := float64(j) / last
			env[j] = s.TotAmpMV * (a0 + (a1-a0)*x)
		}
		return env, false, nil
	}

	xs := make([]float64, calibrationPoints)
	mv := make([]float64, calibrationPoints)
	corrected := false
	for p := range xs {
		x := float64(p) / float64(calibrationPoints-1)
		xs[p] = x
		f := f0 + (f1-f0)*HybridJerk(x, hyb)
		a := a0 + (a1-a0)*x
		v, err := s.Calibration.RFAmplitude(f, a)
		if err != nil {
			v = s.TotAmpMV * a
			corrected = true
		}
		mv[p] = v
	}
	if corrected {
		ProblemLogger.Printf("tone %.3f->%.3f MHz amplitude outside calibration; using uncalibrated amplitude", f0, f1)
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, mv); err != nil {
		return nil, corrected, fmt.Errorf("amplitude trajectory: %w", err)
	}
	for j := range env {
		env[j] = pl.Predict(float64(j) / last)
	}
	return env, corrected, nil
}

// Ramp describes fixed tones whose amplitude fractions change linearly.
type Ramp struct {
	FreqsMHz   []float64
	StartFracs []float64
	EndFracs   []float64
	PhasesDeg  []float64
	DurationMs float64
}

// Ramp returns an amplitude ramp at fixed frequencies.
func (s *Synthesizer) Ramp(r Ramp) (*Waveform, error) {
	return s.Moving(Move{
		StartMHz:    r.FreqsMHz,
		EndMHz:      r.FreqsMHz,
		StartFracs:  r.StartFracs,
		EndFracs:    r.EndFracs,
		PhasesDeg:   r.PhasesDeg,
		Hybridicity: 1,
		DurationMs:  r.DurationMs,
	})
}
