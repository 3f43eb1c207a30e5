package tweezer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/tweezerlab/tweezer/waveform"
)

// ErrConfiguration marks a rearrangement configuration that cannot be used.
// It is fatal for an enumeration pass; the previous dictionary stays in place.
var ErrConfiguration = errors.New("rearrangement configuration error")

// AmpSetting is an amplitude fraction given either as the literal "default",
// a single number applied to every tone, or one number per tone. It keeps
// the form it was read in, so a document saves back unchanged.
type AmpSetting struct {
	Default bool
	Values  []float64
	perTone bool
}

// DefaultAmp returns the "default" setting.
func DefaultAmp() AmpSetting {
	return AmpSetting{Default: true}
}

// FixedAmp returns a setting with one fraction for every tone.
func FixedAmp(v float64) AmpSetting {
	return AmpSetting{Values: []float64{v}}
}

// ParseAmpSetting accepts "default" or a decimal number.
func ParseAmpSetting(text string) (AmpSetting, error) {
	var a AmpSetting
	if err := a.UnmarshalJSON([]byte(text)); err == nil {
		return a, nil
	}
	if err := a.UnmarshalJSON([]byte(`"` + text + `"`)); err != nil {
		return AmpSetting{}, err
	}
	return a, nil
}

// MarshalJSON writes "default", a number or a list.
func (a AmpSetting) MarshalJSON() ([]byte, error) {
	switch {
	case a.Default:
		return []byte(`"default"`), nil
	case a.perTone:
		return json.Marshal(a.Values)
	case len(a.Values) == 1:
		return json.Marshal(a.Values[0])
	}
	return nil, fmt.Errorf("amplitude setting has no value")
}

// UnmarshalJSON reads "default", a number or a list of numbers.
func (a *AmpSetting) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "default" {
			return fmt.Errorf("amplitude setting %q: want \"default\" or a number", s)
		}
		*a = DefaultAmp()
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*a = FixedAmp(v)
		return nil
	}
	var list []float64
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("amplitude setting %s: want \"default\", a number or a list", data)
	}
	*a = AmpSetting{Values: list, perTone: true}
	return nil
}

func (a AmpSetting) isSet() bool {
	return a.Default || len(a.Values) > 0
}

func (a AmpSetting) String() string {
	b, err := a.MarshalJSON()
	if err != nil {
		return "<unset>"
	}
	return string(b)
}

// Fracs resolves the setting for n tones; def is the value "default" stands for.
func (a AmpSetting) Fracs(n int, def float64) ([]float64, error) {
	out := make([]float64, n)
	switch {
	case a.Default:
		for i := range out {
			out[i] = def
		}
	case a.perTone:
		if len(a.Values) < n {
			return nil, fmt.Errorf("%w: %d amplitudes for %d tones", ErrConfiguration, len(a.Values), n)
		}
		copy(out, a.Values)
	case len(a.Values) == 1:
		for i := range out {
			out[i] = a.Values[0]
		}
	default:
		return nil, fmt.Errorf("%w: amplitude setting has no value", ErrConfiguration)
	}
	for _, v := range out {
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: amplitude fraction %v outside [0, 1]", ErrConfiguration, v)
		}
	}
	return out, nil
}

// RearrConfig is the rearrangement configuration document. Field names on
// disk are fixed, since other lab programs read the same file.
type RearrConfig struct {
	Mode             RearrangementMode `json:"rearrMode"`
	InitialFreqs     []float64         `json:"initial_freqs"`
	TargetFreqs      []float64         `json:"target_freqs"`
	HeadroomSegs     int               `json:"headroom_segs"`
	StaticDurationMs float64           `json:"static_duration_[ms]"`
	MovingDurationMs float64           `json:"moving_duration_[ms]"`
	RampDurationMs   float64           `json:"ramp_duration_[ms]"`
	Hybridicity      float64           `json:"hybridicity"`
	Channel          int               `json:"channel"`
	TotAmpMV         float64           `json:"tot_amp_[mV]"`
	RearrFreqAmps    AmpSetting        `json:"rearr_freq_amps"`
	PowerRamp        bool              `json:"power_ramp"`
	FinalFreqAmp     AmpSetting        `json:"final_freq_amp"`
	PhaseAdjust      bool              `json:"phase_adjust"`
	FreqAdjust       bool              `json:"freq_adjust"`
	AmpAdjust        bool              `json:"amp_adjust"`
	CalibrationFile  string            `json:"calibration_file,omitempty"`
	PartialMoves     bool              `json:"partial_moves,omitempty"`
	AltFreqs         []float64         `json:"alt_freqs"`
	AltAmpMV         float64           `json:"alt_amp_[mV]"`
}

// DefaultRearrConfig returns the configuration used when no file is given:
// five sites rearranged into one.
func DefaultRearrConfig() *RearrConfig {
	return &RearrConfig{
		Mode:             UseAll,
		InitialFreqs:     []float64{190, 177.5, 165, 152.5, 140},
		TargetFreqs:      []float64{190},
		HeadroomSegs:     10,
		StaticDurationMs: 1,
		MovingDurationMs: 1,
		RampDurationMs:   5,
		Hybridicity:      0,
		Channel:          0,
		TotAmpMV:         280,
		RearrFreqAmps:    DefaultAmp(),
		PowerRamp:        true,
		FinalFreqAmp:     FixedAmp(0.5),
		AltFreqs:         []float64{},
	}
}

// LoadRearrConfig reads and validates a configuration file.
func LoadRearrConfig(filename string) (*RearrConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	cfg := new(RearrConfig)
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfiguration, filename, err)
	}
	if cfg.AltFreqs == nil {
		cfg.AltFreqs = []float64{}
	}
	if !cfg.RearrFreqAmps.isSet() {
		cfg.RearrFreqAmps = DefaultAmp()
	}
	if !cfg.FinalFreqAmp.isSet() {
		cfg.FinalFreqAmp = DefaultAmp()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Encode returns the document as indented JSON.
func (c *RearrConfig) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes the document to filename.
func (c *RearrConfig) Save(filename string) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0664)
}

// Validate checks everything that can be checked without synthesizing waveforms.
func (c *RearrConfig) Validate() error {
	if _, err := strategyFor(c.Mode); err != nil {
		return err
	}
	ni, nt := len(c.InitialFreqs), len(c.TargetFreqs)
	switch {
	case ni == 0 || nt == 0:
		return fmt.Errorf("%w: %d initial and %d target frequencies", ErrConfiguration, ni, nt)
	case ni > MaxSites:
		return fmt.Errorf("%w: %d initial sites, at most %d", ErrConfiguration, ni, MaxSites)
	case ni < nt:
		return fmt.Errorf("%w: more target sites (%d) than initial sites (%d)", ErrConfiguration, nt, ni)
	case c.HeadroomSegs < 0:
		return fmt.Errorf("%w: headroom_segs %d", ErrConfiguration, c.HeadroomSegs)
	case c.StaticDurationMs <= 0 || c.MovingDurationMs <= 0 || (c.PowerRamp && c.RampDurationMs <= 0):
		return fmt.Errorf("%w: durations must be positive", ErrConfiguration)
	case c.Hybridicity < 0 || c.Hybridicity > 1:
		return fmt.Errorf("%w: hybridicity %v outside [0, 1]", ErrConfiguration, c.Hybridicity)
	case c.Channel < 0 || c.Channel > 3:
		return fmt.Errorf("%w: channel %d outside [0, 3]", ErrConfiguration, c.Channel)
	case c.AmpAdjust && c.CalibrationFile == "":
		return fmt.Errorf("%w: amp_adjust needs a calibration_file", ErrConfiguration)
	}
	if c.TotAmpMV < 0 || c.TotAmpMV > waveform.CeilingMV() {
		return fmt.Errorf("%w: %w: tot_amp_[mV] = %v", ErrConfiguration, waveform.ErrAmplitudeCeiling, c.TotAmpMV)
	}
	if len(c.AltFreqs) > 0 && (c.AltAmpMV < 0 || c.AltAmpMV > waveform.CeilingMV()) {
		return fmt.Errorf("%w: %w: alt_amp_[mV] = %v", ErrConfiguration, waveform.ErrAmplitudeCeiling, c.AltAmpMV)
	}
	if _, err := c.rearrFracs(); err != nil {
		return err
	}
	if _, err := c.finalFracs(nt); err != nil {
		return err
	}
	return nil
}

// RearrFracDefault is round(1/n, 3) for n initial sites.
func (c *RearrConfig) RearrFracDefault() float64 {
	return math.Round(1000/float64(len(c.InitialFreqs))) / 1000
}

// rearrFracs returns the amplitude fraction of every initial site during rearrangement.
func (c *RearrConfig) rearrFracs() ([]float64, error) {
	return c.RearrFreqAmps.Fracs(len(c.InitialFreqs), c.RearrFracDefault())
}

// finalFracs returns the amplitude fractions of n filled target sites after a power ramp.
func (c *RearrConfig) finalFracs(n int) ([]float64, error) {
	if !c.PowerRamp {
		rf, err := c.rearrFracs()
		if err != nil {
			return nil, err
		}
		return rf[:n], nil
	}
	return c.FinalFreqAmp.Fracs(n, 1/float64(n))
}
