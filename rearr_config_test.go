package tweezer

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRearrDoc = `{
 "rearrMode": "use_exact",
 "initial_freqs": [190, 177.5, 165, 152.5, 140],
 "target_freqs": [190, 177.5],
 "headroom_segs": 4,
 "static_duration_[ms]": 1,
 "moving_duration_[ms]": 1,
 "ramp_duration_[ms]": 5,
 "hybridicity": 0.5,
 "channel": 0,
 "tot_amp_[mV]": 220,
 "rearr_freq_amps": "default",
 "power_ramp": true,
 "final_freq_amp": [0.4, 0.6],
 "phase_adjust": false,
 "freq_adjust": true,
 "amp_adjust": false,
 "alt_freqs": [],
 "alt_amp_[mV]": 0
}
`

func TestAmpSetting(t *testing.T) {
	var tests = []struct {
		text  string
		fracs []float64
	}{
		{`"default"`, []float64{0.25, 0.25, 0.25}},
		{`0.3`, []float64{0.3, 0.3, 0.3}},
		{`[0.1, 0.2, 0.3, 0.4]`, []float64{0.1, 0.2, 0.3}},
	}
	for _, test := range tests {
		var a AmpSetting
		require.NoError(t, json.Unmarshal([]byte(test.text), &a), test.text)
		fracs, err := a.Fracs(3, 0.25)
		require.NoError(t, err, test.text)
		assert.InDeltaSlice(t, test.fracs, fracs, 1e-12, test.text)
		out, err := json.Marshal(a)
		require.NoError(t, err)
		var b AmpSetting
		require.NoError(t, json.Unmarshal(out, &b))
		assert.Equal(t, a, b)
	}

	for _, bad := range []string{`"loud"`, `true`, `{"a": 1}`} {
		var a AmpSetting
		assert.Error(t, json.Unmarshal([]byte(bad), &a), bad)
	}
	_, err := AmpSetting{Values: []float64{0.5}, perTone: true}.Fracs(2, 0.1)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = FixedAmp(1.5).Fracs(2, 0.1)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = AmpSetting{}.Fracs(2, 0.1)
	assert.ErrorIs(t, err, ErrConfiguration)

	a, err := ParseAmpSetting("default")
	require.NoError(t, err)
	assert.True(t, a.Default)
	a, err = ParseAmpSetting("0.35")
	require.NoError(t, err)
	assert.Equal(t, "0.35", a.String())
	_, err = ParseAmpSetting("lots")
	assert.Error(t, err)
}

func TestLoadRearrConfig(t *testing.T) {
	dir := t.TempDir()
	fname := filepath.Join(dir, "rearr.json")
	require.NoError(t, os.WriteFile(fname, []byte(sampleRearrDoc), 0644))

	cfg, err := LoadRearrConfig(fname)
	require.NoError(t, err)
	assert.Equal(t, UseExact, cfg.Mode)
	assert.Equal(t, []float64{190, 177.5}, cfg.TargetFreqs)
	assert.Equal(t, 220.0, cfg.TotAmpMV)
	assert.True(t, cfg.RearrFreqAmps.Default)
	assert.Equal(t, 0.2, cfg.RearrFracDefault())
	final, err := cfg.finalFracs(2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.4, 0.6}, final)

	// Saving and reloading gives back the same document.
	out := filepath.Join(dir, "saved.json")
	require.NoError(t, cfg.Save(out))
	again, err := LoadRearrConfig(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"tot_amp_[mV]": 220`)
	assert.Contains(t, string(saved), `"rearrMode": "use_exact"`)
	assert.Contains(t, string(saved), `"final_freq_amp": [`)

	_, err = LoadRearrConfig(filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrConfiguration)
	require.NoError(t, os.WriteFile(fname, []byte("{not json"), 0644))
	_, err = LoadRearrConfig(fname)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestLoadRearrConfigFillsAmps(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "rearr.json")
	doc := `{"rearrMode": "use_all", "initial_freqs": [100, 110, 120], "target_freqs": [100],
	"static_duration_[ms]": 1, "moving_duration_[ms]": 1, "ramp_duration_[ms]": 1, "tot_amp_[mV]": 200}`
	require.NoError(t, os.WriteFile(fname, []byte(doc), 0644))
	cfg, err := LoadRearrConfig(fname)
	require.NoError(t, err)
	assert.True(t, cfg.RearrFreqAmps.Default)
	assert.True(t, cfg.FinalFreqAmp.Default)
	assert.NotNil(t, cfg.AltFreqs)
	rf, err := cfg.rearrFracs()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.333, 0.333, 0.333}, rf)
}

func TestRearrConfigValidate(t *testing.T) {
	require.NoError(t, DefaultRearrConfig().Validate())

	var tests = []struct {
		name   string
		modify func(c *RearrConfig)
	}{
		{"mode", func(c *RearrConfig) { c.Mode = "use_some" }},
		{"no targets", func(c *RearrConfig) { c.TargetFreqs = nil }},
		{"too many sites", func(c *RearrConfig) { c.InitialFreqs = make([]float64, MaxSites+1) }},
		{"more targets", func(c *RearrConfig) { c.TargetFreqs = []float64{1, 2, 3, 4, 5, 6} }},
		{"headroom", func(c *RearrConfig) { c.HeadroomSegs = -1 }},
		{"duration", func(c *RearrConfig) { c.MovingDurationMs = 0 }},
		{"ramp duration", func(c *RearrConfig) { c.RampDurationMs = 0 }},
		{"hybridicity", func(c *RearrConfig) { c.Hybridicity = 1.5 }},
		{"channel", func(c *RearrConfig) { c.Channel = 4 }},
		{"calibration", func(c *RearrConfig) { c.AmpAdjust = true }},
		{"tot amp", func(c *RearrConfig) { c.TotAmpMV = 400 }},
		{"alt amp", func(c *RearrConfig) { c.AltFreqs = []float64{80}; c.AltAmpMV = 500 }},
		{"rearr amps", func(c *RearrConfig) { c.RearrFreqAmps = FixedAmp(2) }},
		{"final amps", func(c *RearrConfig) { c.FinalFreqAmp = AmpSetting{} }},
	}
	for _, test := range tests {
		cfg := DefaultRearrConfig()
		test.modify(cfg)
		err := cfg.Validate()
		if !errors.Is(err, ErrConfiguration) {
			t.Errorf("Validate with bad %s: error %v, want ErrConfiguration", test.name, err)
		}
	}

	// Without a power ramp the target fractions are the rearrangement ones.
	cfg := DefaultRearrConfig()
	cfg.PowerRamp = false
	cfg.RampDurationMs = 0
	require.NoError(t, cfg.Validate())
	final, err := cfg.finalFracs(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2}, final)
}
