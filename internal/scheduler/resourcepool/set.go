package resourcepool

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ResourceSet is a set of compute unit ids, stored sorted ascending.
// The zero value is the empty set.
type ResourceSet []uint32

// NewResourceSet returns a ResourceSet containing the given ids, sorted and
// deduplicated.
func NewResourceSet(ids ...uint32) ResourceSet {
	set := slices.Clone(ids)
	slices.Sort(set)
	return slices.Compact(set)
}

func (s ResourceSet) Size() int {
	return len(s)
}

func (s ResourceSet) Contains(id uint32) bool {
	_, ok := slices.BinarySearch(s, id)
	return ok
}

// Intersects reports whether s and other share any unit.
func (s ResourceSet) Intersects(other ResourceSet) bool {
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		switch {
		case s[i] == other[j]:
			return true
		case s[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// String returns the compact range encoding used on the wire, e.g. "0-3,7".
// Single units are emitted bare; runs of consecutive ids as "lo-hi".
func (s ResourceSet) String() string {
	if len(s) == 0 {
		return ""
	}
	var sb strings.Builder
	lo, hi := s[0], s[0]
	flush := func() {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		if lo == hi {
			sb.WriteString(strconv.FormatUint(uint64(lo), 10))
		} else {
			sb.WriteString(strconv.FormatUint(uint64(lo), 10))
			sb.WriteByte('-')
			sb.WriteString(strconv.FormatUint(uint64(hi), 10))
		}
	}
	for _, id := range s[1:] {
		if id == hi+1 {
			hi = id
			continue
		}
		flush()
		lo, hi = id, id
	}
	flush()
	return sb.String()
}

// ParseResourceSet parses the range encoding produced by String.
// ParseResourceSet(s.String()) is always equal to s.
func ParseResourceSet(encoded string) (ResourceSet, error) {
	if encoded == "" {
		return nil, nil
	}
	var set ResourceSet
	for _, part := range strings.Split(encoded, ",") {
		lo, hi, found := strings.Cut(part, "-")
		start, err := strconv.ParseUint(lo, 10, 32)
		if err != nil {
			return nil, errors.Errorf("invalid resource set %q: bad id %q", encoded, lo)
		}
		end := start
		if found {
			end, err = strconv.ParseUint(hi, 10, 32)
			if err != nil {
				return nil, errors.Errorf("invalid resource set %q: bad id %q", encoded, hi)
			}
			if end < start {
				return nil, errors.Errorf("invalid resource set %q: descending range %q", encoded, part)
			}
		}
		for id := start; id <= end; id++ {
			set = append(set, uint32(id))
		}
	}
	for i := 1; i < len(set); i++ {
		if set[i] <= set[i-1] {
			return nil, errors.Errorf("invalid resource set %q: ids out of order", encoded)
		}
	}
	return set, nil
}
