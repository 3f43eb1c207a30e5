package tweezer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMoveKeyString(t *testing.T) {
	all := FirstSites(5)
	var tests = []struct {
		key  MoveKey
		text string
	}{
		{StaticInitialKey(all), "01234si"},
		{StaticTargetKey(FirstSites(2)), "01st"},
		{RampKey(FirstSites(1)), "0r"},
		{MoveBetween(all.Lowest(3), FirstSites(1)), "012m0"},
		{MoveBetween(1<<0|1<<2, 1<<0), "02m0"},
		{MoveBetween(1<<3, 1<<0), "3m0"},
	}
	for _, test := range tests {
		if got := test.key.String(); got != test.text {
			t.Errorf("%+v.String() = %q, want %q", test.key, got, test.text)
		}
		parsed, err := ParseMoveKey(test.text)
		if err != nil {
			t.Errorf("ParseMoveKey(%q) error: %v", test.text, err)
		} else if parsed != test.key {
			t.Errorf("ParseMoveKey(%q) = %+v, want %+v", test.text, parsed, test.key)
		}
	}
}

func TestParseMoveKeyErrors(t *testing.T) {
	for _, text := range []string{"", "m", "si", "0m", "m0", "01x", "10m0", "0m01", "0m0m0"} {
		_, err := ParseMoveKey(text)
		assert.Error(t, err, "ParseMoveKey(%q) should fail", text)
	}
}

func TestMoveKeyAsMapKey(t *testing.T) {
	m := map[MoveKey]int{}
	m[MoveBetween(5, 1)]++
	m[MoveBetween(5, 1)]++
	m[StaticTargetKey(5)]++
	assert.Len(t, m, 2)
	assert.Equal(t, 2, m[MoveBetween(5, 1)])
}
