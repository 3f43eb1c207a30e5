package waveform

import (
	"math"

	"gonum.org/v1/gonum/optimize"
)

// PhaseResult reports the outcome of one phase optimization.
type PhaseResult struct {
	PhasesDeg []float64
	Success   bool    // the joint minimisation terminated normally and beat the zero-phase baseline
	Cost      float64 // crest factor (peak/RMS) at PhasesDeg
	Baseline  float64 // crest factor with all phases zero
}

// SchroederPhases returns the Schroeder low-crest-factor guess
// φ_i = -π/2 - π(i+1)²/n, in degrees.
func SchroederPhases(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		k := float64(i + 1)
		out[i] = (-math.Pi/2 - math.Pi*k*k/float64(n)) * 180 / math.Pi
	}
	return out
}

// CrestFactor returns peak/RMS of y, or 0 for a silent buffer.
func CrestFactor(y []float64) float64 {
	peak, rms := peakRMS(y)
	if rms == 0 {
		return 0
	}
	return peak / rms
}

// PhaseOptimizer chooses tone phases that lower the crest factor of a static array.
// It runs one joint Nelder-Mead minimisation from the Schroeder guess, then a
// single sweep refining each phase alone. This is a heuristic: it is not
// iterated to convergence.
type PhaseOptimizer struct {
	SampleRate     float64
	EvalSamples    int // crest factor is measured over this many samples
	MaxEvaluations int // per joint minimisation
}

// NewPhaseOptimizer returns a PhaseOptimizer with default evaluation limits.
func NewPhaseOptimizer(sampleRate float64) *PhaseOptimizer {
	return &PhaseOptimizer{SampleRate: sampleRate, EvalSamples: 2048, MaxEvaluations: 1500}
}

// crestModel holds per-tone sin/cos bases so that evaluating a phase vector
// needs no trigonometry per sample.
type crestModel struct {
	sin, cos [][]float64
	y        []float64
}

func newCrestModel(sampleRate float64, freqsMHz, amps []float64, nsamples int) *crestModel {
	m := &crestModel{
		sin: make([][]float64, len(freqsMHz)),
		cos: make([][]float64, len(freqsMHz)),
		y:   make([]float64, nsamples),
	}
	for i, f := range freqsMHz {
		w := 2 * math.Pi * f * 1e6 / sampleRate
		m.sin[i] = make([]float64, nsamples)
		m.cos[i] = make([]float64, nsamples)
		for j := 0; j < nsamples; j++ {
			m.sin[i][j] = amps[i] * math.Sin(w*float64(j))
			m.cos[i][j] = amps[i] * math.Cos(w*float64(j))
		}
	}
	return m
}

// crest evaluates the crest factor for phases in radians.
func (m *crestModel) crest(phases []float64) float64 {
	for j := range m.y {
		m.y[j] = 0
	}
	for i, p := range phases {
		c, s := math.Cos(p), math.Sin(p)
		si, ci := m.sin[i], m.cos[i]
		for j := range m.y {
			m.y[j] += si[j]*c + ci[j]*s
		}
	}
	return CrestFactor(m.y)
}

// Optimize returns phases (degrees) for the tones freqsMHz with relative amplitudes amps.
func (p *PhaseOptimizer) Optimize(freqsMHz, amps []float64) PhaseResult {
	n := len(freqsMHz)
	nsamp := p.EvalSamples
	if nsamp <= 0 {
		nsamp = 2048
	}
	model := newCrestModel(p.SampleRate, freqsMHz, amps, nsamp)
	zero := make([]float64, n)
	baseline := model.crest(zero)
	if n < 2 {
		return PhaseResult{PhasesDeg: zero, Success: true, Cost: baseline, Baseline: baseline}
	}

	x := SchroederPhases(n)
	for i := range x {
		x[i] *= math.Pi / 180
	}
	settings := &optimize.Settings{FuncEvaluations: p.MaxEvaluations, Concurrent: 1}
	method := &optimize.NelderMead{SimplexSize: 0.5}
	best := model.crest(x)
	result, err := optimize.Minimize(optimize.Problem{Func: model.crest}, x, settings, method)
	if result != nil && result.F < best {
		copy(x, result.X)
		best = result.F
	}
	success := err == nil

	// One coordinate sweep with the other phases held fixed.
	for i := 0; i < n; i++ {
		trial := append([]float64(nil), x...)
		single := optimize.Problem{Func: func(v []float64) float64 {
			trial[i] = v[0]
			return model.crest(trial)
		}}
		r, err := optimize.Minimize(single, []float64{x[i]}, &optimize.Settings{FuncEvaluations: 60, Concurrent: 1},
			&optimize.NelderMead{SimplexSize: 0.5})
		if err == nil && r != nil && r.F < best {
			x[i] = r.X[0]
			best = r.F
		}
	}

	if best > baseline {
		return PhaseResult{PhasesDeg: zero, Success: false, Cost: baseline, Baseline: baseline}
	}
	deg := make([]float64, n)
	for i, v := range x {
		deg[i] = math.Mod(v*180/math.Pi, 360)
	}
	return PhaseResult{PhasesDeg: deg, Success: success, Cost: best, Baseline: baseline}
}
