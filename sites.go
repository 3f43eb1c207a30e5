package tweezer

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"
)

// MaxSites is the largest number of trap sites; every site index is one digit.
const MaxSites = 10

// SiteSet is a set of trap site indices 0-9. Its canonical string form lists
// the indices in ascending order, one digit each ("024").
type SiteSet uint16

// NewSiteSet returns the set holding indices.
func NewSiteSet(indices ...int) (SiteSet, error) {
	var s SiteSet
	for _, i := range indices {
		if i < 0 || i >= MaxSites {
			return 0, fmt.Errorf("site index %d outside [0, %d)", i, MaxSites)
		}
		s |= 1 << uint(i)
	}
	return s, nil
}

// FirstSites returns {0, 1, ..., n-1}.
func FirstSites(n int) SiteSet {
	if n <= 0 {
		return 0
	}
	if n > MaxSites {
		n = MaxSites
	}
	return SiteSet(1<<uint(n) - 1)
}

// ParseSiteSet parses a canonical site string. Digits must be strictly ascending.
func ParseSiteSet(text string) (SiteSet, error) {
	var s SiteSet
	last := -1
	for _, r := range text {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("site string %q: %q is not a digit", text, r)
		}
		i := int(r - '0')
		if i <= last {
			return 0, fmt.Errorf("site string %q is not strictly ascending", text)
		}
		last = i
		s |= 1 << uint(i)
	}
	return s, nil
}

// Len returns the number of sites in the set.
func (s SiteSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// Has reports whether site i is in the set.
func (s SiteSet) Has(i int) bool {
	return i >= 0 && i < MaxSites && s&(1<<uint(i)) != 0
}

// Indices returns the members in ascending order.
func (s SiteSet) Indices() []int {
	out := make([]int, 0, s.Len())
	for i := 0; i < MaxSites; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Lowest returns the set of the k smallest members.
func (s SiteSet) Lowest(k int) SiteSet {
	var out SiteSet
	for i := 0; i < MaxSites && k > 0; i++ {
		if s.Has(i) {
			out |= 1 << uint(i)
			k--
		}
	}
	return out
}

func (s SiteSet) String() string {
	var b strings.Builder
	for _, i := range s.Indices() {
		b.WriteByte(byte('0' + i))
	}
	return b.String()
}

// Pick returns values[i] for each member i, in ascending order.
func (s SiteSet) Pick(values []float64) []float64 {
	out := make([]float64, 0, s.Len())
	for _, i := range s.Indices() {
		if i < len(values) {
			out = append(out, values[i])
		}
	}
	return out
}

// Combinations returns every k-element subset of {0..n-1} in lexicographic order.
func Combinations(n, k int) [][]int {
	if k < 0 || k > n {
		return nil
	}
	var out [][]int
	c := make([]int, k)
	for i := range c {
		c[i] = i
	}
	for {
		out = append(out, append([]int(nil), c...))
		// Find the rightmost index that can still be incremented.
		i := k - 1
		for i >= 0 && c[i] == n-k+i {
			i--
		}
		if i < 0 {
			return out
		}
		c[i]++
		for j := i + 1; j < k; j++ {
			c[j] = c[j-1] + 1
		}
	}
}

// Subsets returns the k-element subsets of {0..n-1} as SiteSets, in lexicographic order.
func Subsets(n, k int) []SiteSet {
	combos := Combinations(n, k)
	out := make([]SiteSet, len(combos))
	for i, c := range combos {
		out[i], _ = NewSiteSet(c...)
	}
	return out
}

// ErrBadOccupancy means an occupancy string holds characters other than 0 and 1.
var ErrBadOccupancy = errors.New("occupancy string must hold only 0 and 1")

// Occupancy is one shot's loaded sites, decoded from the camera's binary string.
type Occupancy struct {
	Raw            string
	Loaded         SiteSet // loaded sites; {0} when nothing is loaded
	Count          int     // number of loaded atoms, 0 for the empty sentinel
	LengthMismatch bool    // the string length differed from the site count
}

// ConvertBinaryOccupancy decodes an occupancy string such as "10110" for
// nsites trap sites. Character i is '1' when site i holds an atom. A string
// of the wrong length is truncated or padded with empty sites and flagged.
// With no atoms loaded the result is the sentinel set {0} with Count 0.
func ConvertBinaryOccupancy(occ string, nsites int) (Occupancy, error) {
	o := Occupancy{Raw: occ, LengthMismatch: len(occ) != nsites}
	for i, r := range occ {
		switch r {
		case '1':
			if i < nsites && i < MaxSites {
				o.Loaded |= 1 << uint(i)
			}
		case '0':
		default:
			return Occupancy{Raw: occ}, fmt.Errorf("%w: %q", ErrBadOccupancy, occ)
		}
	}
	o.Count = o.Loaded.Len()
	if o.Count == 0 {
		o.Loaded = 1
	}
	return o, nil
}
