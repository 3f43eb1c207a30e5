package tweezer

import (
	"fmt"
	"strings"
)

// MoveKind distinguishes the kinds of precomputed waveform.
type MoveKind uint8

// The kinds of MoveKey.
const (
	StaticInitial MoveKind = iota + 1 // static array at the initial frequencies
	StaticTarget                      // static array at the target frequencies
	Moving                            // tones travel from initial to target sites
	RampKind                          // amplitude ramp at the target frequencies
)

var kindSuffix = map[MoveKind]string{StaticInitial: "si", StaticTarget: "st", RampKind: "r"}

// MoveKey names one precomputed waveform. Keys are comparable, so they can be
// used directly as map keys. For Moving, From lists the initial sites that
// carry tones and To the target sites the first To.Len() of them reach; any
// further From sites are discarded. Other kinds use From only.
type MoveKey struct {
	Kind MoveKind
	From SiteSet
	To   SiteSet
}

// StaticInitialKey returns the key of the static array at initial sites.
func StaticInitialKey(sites SiteSet) MoveKey {
	return MoveKey{Kind: StaticInitial, From: sites}
}

// StaticTargetKey returns the key of the static array at target sites.
func StaticTargetKey(sites SiteSet) MoveKey {
	return MoveKey{Kind: StaticTarget, From: sites}
}

// RampKey returns the key of the amplitude ramp at target sites.
func RampKey(sites SiteSet) MoveKey {
	return MoveKey{Kind: RampKind, From: sites}
}

// MoveBetween returns the key of the move from the loaded initial sites to target sites.
func MoveBetween(from, to SiteSet) MoveKey {
	return MoveKey{Kind: Moving, From: from, To: to}
}

// String returns the wire form of the key: "<sites>si", "<sites>st",
// "<sites>r" or "<from>m<to>".
func (k MoveKey) String() string {
	if k.Kind == Moving {
		return k.From.String() + "m" + k.To.String()
	}
	return k.From.String() + kindSuffix[k.Kind]
}

// ParseMoveKey parses the wire form of a key.
func ParseMoveKey(text string) (MoveKey, error) {
	for kind, suffix := range kindSuffix {
		if digits, ok := strings.CutSuffix(text, suffix); ok && digits != "" {
			sites, err := ParseSiteSet(digits)
			if err != nil {
				return MoveKey{}, fmt.Errorf("move key %q: %w", text, err)
			}
			return MoveKey{Kind: kind, From: sites}, nil
		}
	}
	from, to, ok := strings.Cut(text, "m")
	if !ok || from == "" || to == "" {
		return MoveKey{}, fmt.Errorf("move key %q is not static, ramp or move", text)
	}
	f, err := ParseSiteSet(from)
	if err != nil {
		return MoveKey{}, fmt.Errorf("move key %q: %w", text, err)
	}
	t, err := ParseSiteSet(to)
	if err != nil {
		return MoveKey{}, fmt.Errorf("move key %q: %w", text, err)
	}
	if t.Len() > f.Len() {
		return MoveKey{}, fmt.Errorf("move key %q fills more targets than it has atoms", text)
	}
	return MoveBetween(f, t), nil
}
