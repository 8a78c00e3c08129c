package filter

import "slices"

// Mask describes the tokens permitted at the next position. When All is
// set every token not in Disallowed is permitted. Otherwise only tokens in
// Allowed are, and Disallowed still applies. Both lists are sorted.
type Mask struct {
	Allowed    []int32 `json:"allowed,omitempty"`
	Disallowed []int32 `json:"disallowed,omitempty"`
	All        bool    `json:"all"`
}

// Unrestricted permits every token.
func Unrestricted() Mask {
	return Mask{All: true}
}

// maskFor builds a mask permitting ids out of a vocabulary of size tokens,
// switching to an exclusion list when that is the shorter form.
func maskFor(ids []int32, size int) Mask {
	if len(ids) <= size/2 {
		return Mask{Allowed: ids}
	}

	excluded := make([]int32, 0, size-len(ids))
	next := 0
	for id := int32(0); id < int32(size); id++ {
		if next < len(ids) && ids[next] == id {
			next++
			continue
		}
		excluded = append(excluded, id)
	}
	return Mask{All: true, Disallowed: excluded}
}

func contains(ids []int32, id int32) bool {
	_, ok := slices.BinarySearch(ids, id)
	return ok
}

func (m Mask) Permits(id int32) bool {
	if contains(m.Disallowed, id) {
		return false
	}
	return m.All || contains(m.Allowed, id)
}

// Exhausted reports a mask that permits nothing.
func (m Mask) Exhausted() bool {
	return !m.All && len(m.Allowed) == 0
}

// Resolve lists the permitted ids below size.
func (m Mask) Resolve(size int) []int32 {
	if !m.All {
		ids := make([]int32, 0, len(m.Allowed))
		for _, id := range m.Allowed {
			if id >= 0 && int(id) < size && !contains(m.Disallowed, id) {
				ids = append(ids, id)
			}
		}
		return ids
	}

	ids := make([]int32, 0, size)
	for id := int32(0); id < int32(size); id++ {
		if !contains(m.Disallowed, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Intersect combines masks so the result permits a token only when every
// input does. With no inputs the result is unrestricted.
func Intersect(masks ...Mask) Mask {
	out := Unrestricted()
	for _, m := range masks {
		out.Disallowed = union(out.Disallowed, m.Disallowed)
		if m.All {
			continue
		}
		if out.All {
			out.All = false
			out.Allowed = slices.Clone(m.Allowed)
			continue
		}
		out.Allowed = intersect(out.Allowed, m.Allowed)
	}

	if !out.All && len(out.Disallowed) > 0 {
		out.Allowed = slices.DeleteFunc(out.Allowed, func(id int32) bool {
			return contains(out.Disallowed, id)
		})
	}
	if !out.All && out.Allowed == nil {
		out.Allowed = []int32{}
	}
	return out
}

func union(a, b []int32) []int32 {
	switch {
	case len(b) == 0:
		return a
	case len(a) == 0:
		return slices.Clone(b)
	}

	out := make([]int32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func intersect(a, b []int32) []int32 {
	out := make([]int32, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	return out
}
