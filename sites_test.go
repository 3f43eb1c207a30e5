package tweezer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSiteSet(t *testing.T) {
	s, err := NewSiteSet(4, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "024", s.String())
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []int{0, 2, 4}, s.Indices())
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(1))
	assert.False(t, s.Has(-1))
	assert.Equal(t, "02", s.Lowest(2).String())
	assert.Equal(t, []float64{10, 30, 50}, s.Pick([]float64{10, 20, 30, 40, 50}))

	_, err = NewSiteSet(MaxSites)
	assert.Error(t, err)

	assert.Equal(t, "", FirstSites(0).String())
	assert.Equal(t, "012", FirstSites(3).String())
	assert.Equal(t, "0123456789", FirstSites(12).String())
}

func TestParseSiteSet(t *testing.T) {
	var tests = []struct {
		text string
		ok   bool
	}{
		{"0", true}, {"024", true}, {"0123456789", true}, {"", true},
		{"20", false}, {"00", false}, {"0a", false}, {"1 2", false},
	}
	for _, test := range tests {
		s, err := ParseSiteSet(test.text)
		if test.ok {
			if err != nil {
				t.Errorf("ParseSiteSet(%q) error: %v", test.text, err)
			} else if s.String() != test.text {
				t.Errorf("ParseSiteSet(%q).String() = %q", test.text, s.String())
			}
		} else if err == nil {
			t.Errorf("ParseSiteSet(%q) should fail", test.text)
		}
	}
}

func TestCombinations(t *testing.T) {
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}, Combinations(4, 2))
	assert.Equal(t, [][]int{{}}, Combinations(3, 0))
	assert.Nil(t, Combinations(2, 3))
	for n := 1; n <= MaxSites; n++ {
		for k := 0; k <= n; k++ {
			if got := len(Subsets(n, k)); got != binomial(n, k) {
				t.Errorf("len(Subsets(%d, %d)) = %d, want %d", n, k, got, binomial(n, k))
			}
		}
	}
	subs := Subsets(5, 3)
	assert.Equal(t, "012", subs[0].String())
	assert.Equal(t, "234", subs[len(subs)-1].String())
}

func TestConvertBinaryOccupancy(t *testing.T) {
	var tests = []struct {
		occ      string
		nsites   int
		loaded   string
		count    int
		mismatch bool
	}{
		{"10100", 5, "02", 2, false},
		{"11111", 5, "01234", 5, false},
		{"00000", 5, "0", 0, false},
		{"01", 5, "1", 1, true},
		{"1000011", 5, "0", 1, true},
		{"0000011", 5, "0", 0, true},
		{"", 3, "0", 0, true},
	}
	for _, test := range tests {
		o, err := ConvertBinaryOccupancy(test.occ, test.nsites)
		if err != nil {
			t.Errorf("ConvertBinaryOccupancy(%q, %d) error: %v", test.occ, test.nsites, err)
			continue
		}
		if o.Loaded.String() != test.loaded || o.Count != test.count || o.LengthMismatch != test.mismatch {
			t.Errorf("ConvertBinaryOccupancy(%q, %d) = {%s %d %t}, want {%s %d %t}", test.occ, test.nsites,
				o.Loaded, o.Count, o.LengthMismatch, test.loaded, test.count, test.mismatch)
		}
	}

	for _, bad := range []string{"10a00", "1 100", "２0000"} {
		_, err := ConvertBinaryOccupancy(bad, 5)
		if !errors.Is(err, ErrBadOccupancy) {
			t.Errorf("ConvertBinaryOccupancy(%q) error = %v, want ErrBadOccupancy", bad, err)
		}
	}
}
