package grammar

import (
	"slices"
	"unicode"
)

// Range is an inclusive rune interval.
type Range struct {
	Lo, Hi rune
}

// CharSet is a set of runes stored as sorted, non-overlapping, non-adjacent
// ranges. The zero value is the empty set.
type CharSet struct {
	ranges []Range
}

// NewCharSet normalizes ranges into a CharSet. Ranges with Lo > Hi are
// dropped.
func NewCharSet(ranges ...Range) CharSet {
	rs := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Lo <= r.Hi {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		return CharSet{}
	}

	slices.SortFunc(rs, func(a, b Range) int {
		if a.Lo != b.Lo {
			return int(a.Lo - b.Lo)
		}
		return int(a.Hi - b.Hi)
	})

	merged := rs[:1]
	for _, r := range rs[1:] {
		last := &merged[len(merged)-1]
		if r.Lo <= last.Hi+1 {
			last.Hi = max(last.Hi, r.Hi)
			continue
		}
		merged = append(merged, r)
	}

	return CharSet{ranges: slices.Clip(merged)}
}

// Rune returns the set holding only r.
func Rune(r rune) CharSet {
	return CharSet{ranges: []Range{{r, r}}}
}

// AnyRune is the set of every code point.
func AnyRune() CharSet {
	return CharSet{ranges: []Range{{0, unicode.MaxRune}}}
}

func (c CharSet) IsEmpty() bool {
	return len(c.ranges) == 0
}

func (c CharSet) Ranges() []Range {
	return c.ranges
}

func (c CharSet) Contains(r rune) bool {
	_, ok := slices.BinarySearchFunc(c.ranges, r, func(rg Range, r rune) int {
		switch {
		case rg.Hi < r:
			return -1
		case rg.Lo > r:
			return 1
		default:
			return 0
		}
	})
	return ok
}

func (c CharSet) Union(o CharSet) CharSet {
	switch {
	case o.IsEmpty():
		return c
	case c.IsEmpty():
		return o
	}
	return NewCharSet(append(slices.Clone(c.ranges), o.ranges...)...)
}

// unionAll merges many sets in one normalization pass.
func unionAll(sets []CharSet) CharSet {
	var rs []Range
	for _, s := range sets {
		rs = append(rs, s.ranges...)
	}
	return NewCharSet(rs...)
}
