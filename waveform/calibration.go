package waveform

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/interp"
)

// contour is the RF amplitude needed to reach one optical power fraction,
// as a function of frequency.
type contour struct {
	power float64
	curve interp.PiecewiseLinear
}

// Calibration is the surface mapping (frequency, optical power fraction) to the
// RF amplitude (mV) that produces it. Between calibrated powers the amplitude
// is interpolated linearly, and below the lowest contour it falls linearly to
// zero at zero power.
type Calibration struct {
	Source   string
	contours []contour
}

type calibrationCurve struct {
	Freqs []float64 `json:"Frequency (MHz)"`
	Amps  []float64 `json:"RF Amplitude (mV)"`
}

type calibrationFile struct {
	Power map[string]calibrationCurve `json:"Power_calibration"`
}

// LoadCalibration reads a calibration JSON file.
func LoadCalibration(filename string) (*Calibration, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cal, err := ParseCalibration(data)
	if err != nil {
		return nil, fmt.Errorf("calibration file %s: %w", filename, err)
	}
	cal.Source = filename
	return cal, nil
}

// ParseCalibration builds a Calibration from the JSON contents of a
// calibration file. The "Power_calibration" object maps each power fraction
// (as a string) to matching frequency and amplitude lists.
func ParseCalibration(data []byte) (*Calibration, error) {
	var cf calibrationFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, err
	}
	if len(cf.Power) == 0 {
		return nil, fmt.Errorf("no Power_calibration contours")
	}
	cal := new(Calibration)
	for key, c := range cf.Power {
		power, err := strconv.ParseFloat(key, 64)
		if err != nil || power <= 0 {
			return nil, fmt.Errorf("contour key %q is not a positive power", key)
		}
		if len(c.Freqs) != len(c.Amps) {
			return nil, fmt.Errorf("contour %s has %d frequencies and %d amplitudes", key, len(c.Freqs), len(c.Amps))
		}
		xs, ys := sortedPairs(c.Freqs, c.Amps)
		var pl interp.PiecewiseLinear
		if err := pl.Fit(xs, ys); err != nil {
			return nil, fmt.Errorf("contour %s: %w", key, err)
		}
		cal.contours = append(cal.contours, contour{power: power, curve: pl})
	}
	sort.Slice(cal.contours, func(i, j int) bool { return cal.contours[i].power < cal.contours[j].power })
	for i := 1; i < len(cal.contours); i++ {
		if cal.contours[i].power == cal.contours[i-1].power {
			return nil, fmt.Errorf("duplicate contour at power %v", cal.contours[i].power)
		}
	}
	return cal, nil
}

func sortedPairs(xs, ys []float64) ([]float64, []float64) {
	idx := make([]int, len(xs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })
	sx := make([]float64, len(xs))
	sy := make([]float64, len(ys))
	for i, k := range idx {
		sx[i], sy[i] = xs[k], ys[k]
	}
	return sx, sy
}

// MaxPower returns the highest calibrated power fraction.
func (c *Calibration) MaxPower() float64 {
	return c.contours[len(c.contours)-1].power
}

// RFAmplitude returns the RF amplitude in mV needed for power at freqMHz.
// Frequencies beyond a contour's range take the value at its nearest end.
func (c *Calibration) RFAmplitude(freqMHz, power float64) (float64, error) {
	if power < 0 {
		return 0, fmt.Errorf("%w: power %v", ErrParameterRange, power)
	}
	if power > c.MaxPower()*(1+1e-9) {
		return 0, fmt.Errorf("%w: power %v above %v at %.3f MHz", ErrOutOfCalibration, power, c.MaxPower(), freqMHz)
	}
	lowP, lowV := 0.0, 0.0
	for _, ct := range c.contours {
		v := ct.curve.Predict(freqMHz)
		if power <= ct.power {
			return lowV + (v-lowV)*(power-lowP)/(ct.power-lowP), nil
		}
		lowP, lowV = ct.power, v
	}
	return lowV, nil
}
