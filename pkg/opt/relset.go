// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package opt

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// MaxRelations is the largest number of base relations a single join-order
// search can handle. Subsets of the search input are indexed by 32-bit
// bitmaps, both in RelSet and in the search's DP table.
const MaxRelations = 32

// RelSet is a set of base-relation ordinals in the range [0, MaxRelations).
// The zero value is the empty set. RelSet is a value type: methods that do
// not take a pointer receiver leave the receiver unchanged.
type RelSet uint32

// MakeRelSet returns a set containing the given ordinals.
func MakeRelSet(ords ...int) RelSet {
	var s RelSet
	for _, o := range ords {
		s.Add(o)
	}
	return s
}

// FullRelSet returns the set {0, 1, ..., n-1}.
func FullRelSet(n int) RelSet {
	if n < 0 || n > MaxRelations {
		panic(errors.AssertionFailedf("invalid relation count %d", redact.Safe(n)))
	}
	if n == MaxRelations {
		return ^RelSet(0)
	}
	return RelSet(1)<<n - 1
}

// Add adds an ordinal to the set.
func (s *RelSet) Add(ord int) {
	if ord < 0 || ord >= MaxRelations {
		panic(errors.AssertionFailedf("ordinal %d out of range", redact.Safe(ord)))
	}
	*s |= 1 << uint32(ord)
}

// Remove removes an ordinal from the set; it is a no-op if the ordinal is
// not present.
func (s *RelSet) Remove(ord int) {
	if ord >= 0 && ord < MaxRelations {
		*s &^= 1 << uint32(ord)
	}
}

// Contains returns true if the set contains the ordinal.
func (s RelSet) Contains(ord int) bool {
	return ord >= 0 && ord < MaxRelations && s&(1<<uint32(ord)) != 0
}

// Without returns the set with one ordinal removed.
func (s RelSet) Without(ord int) RelSet {
	r := s
	r.Remove(ord)
	return r
}

// Union returns the union of s and other.
func (s RelSet) Union(other RelSet) RelSet { return s | other }

// Intersection returns the intersection of s and other.
func (s RelSet) Intersection(other RelSet) RelSet { return s & other }

// Difference returns the elements of s that are not in other.
func (s RelSet) Difference(other RelSet) RelSet { return s &^ other }

// Intersects returns true if s and other have any element in common.
func (s RelSet) Intersects(other RelSet) bool { return s&other != 0 }

// SubsetOf returns true if every element of s is in other.
func (s RelSet) SubsetOf(other RelSet) bool { return s&^other == 0 }

// Len returns the number of elements in the set.
func (s RelSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Empty returns true if the set contains no elements.
func (s RelSet) Empty() bool { return s == 0 }

// Next returns the first element in the set that is >= startVal. If there is
// no such element, the second return value is false.
func (s RelSet) Next(startVal int) (int, bool) {
	if startVal < 0 {
		startVal = 0
	}
	if startVal >= MaxRelations {
		return -1, false
	}
	rest := uint32(s) >> uint32(startVal)
	if rest == 0 {
		return -1, false
	}
	return startVal + bits.TrailingZeros32(rest), true
}

// ForEach calls the given function for each element in the set, in
// increasing order.
func (s RelSet) ForEach(f func(ord int)) {
	for v := uint32(s); v != 0; {
		ord := bits.TrailingZeros32(v)
		f(ord)
		v &= v - 1
	}
}

// Ordered returns the elements of the set as a sorted slice.
func (s RelSet) Ordered() []int {
	if s.Empty() {
		return nil
	}
	res := make([]int, 0, s.Len())
	s.ForEach(func(ord int) {
		res = append(res, ord)
	})
	return res
}

func (s RelSet) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	first := true
	s.ForEach(func(ord int) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(strconv.Itoa(ord))
	})
	sb.WriteByte(')')
	return sb.String()
}

// SafeValue implements redact.SafeValue: a RelSet carries only relation
// ordinals, never user data.
func (s RelSet) SafeValue() {}

var _ redact.SafeValue = RelSet(0)
