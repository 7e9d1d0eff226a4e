// Package pcr implements the PCR selection policy: parsing user-supplied
// PCR index lists, turning them into selection bitmasks, and checking that a
// presented selection covers a required one.
package pcr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MaxPCRs is the number of platform configuration registers a selection mask
// can address.
const MaxPCRs = 24

// MaskBytes is the size of a selection mask in bytes, one bit per PCR.
const MaskBytes = (MaxPCRs + 7) / 8

// Unset marks an unused slot in a parsed PCR list.
const Unset = -1

var (
	// ErrTooManyEntries is returned when a list names more PCRs than the
	// given capacity allows.
	ErrTooManyEntries = errors.New("too many PCR entries")

	// ErrCoverage is returned when a candidate selection does not cover
	// every required PCR.
	ErrCoverage = errors.New("PCR selection does not cover requirements")
)

// Mask is a PCR selection bitmask. Bit index%8 of byte index/8 is set for
// every selected PCR. An all-zero mask means no requirement.
type Mask [MaskBytes]byte

// ParseList parses a comma-separated PCR index list into a slice of length
// capacity, with unused slots set to Unset. Entries must be decimal integers
// in [0, MaxPCRs). Whitespace around entries is tolerated; an empty string
// yields a list with no PCRs selected.
func ParseList(text string, capacity int) ([]int, error) {
	list := make([]int, capacity)
	for i := range list {
		list[i] = Unset
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return list, nil
	}

	entries := strings.Split(text, ",")
	if len(entries) > capacity {
		return nil, fmt.Errorf("%w: %d entries, capacity %d", ErrTooManyEntries, len(entries), capacity)
	}

	for i, entry := range entries {
		v, err := strconv.Atoi(strings.TrimSpace(entry))
		if err != nil {
			return nil, fmt.Errorf("invalid PCR entry %q: %w", entry, err)
		}
		if v < 0 || v >= MaxPCRs {
			return nil, fmt.Errorf("PCR index %d out of range [0, %d)", v, MaxPCRs)
		}
		list[i] = v
	}
	return list, nil
}

// BuildMask sets the selection bit for every entry of list that is not Unset.
func BuildMask(list []int) Mask {
	var mask Mask
	for _, v := range list {
		if v == Unset {
			continue
		}
		mask[v/8] |= 1 << (v % 8)
	}
	return mask
}

// Bytes returns the mask as a byte slice.
func (m Mask) Bytes() []byte {
	return m[:]
}

// Contains reports whether the given PCR index is selected.
func (m Mask) Contains(index int) bool {
	if index < 0 || index >= MaxPCRs {
		return false
	}
	return m[index/8]&(1<<(index%8)) != 0
}

// IsZero reports whether no PCR is selected.
func (m Mask) IsZero() bool {
	return m == Mask{}
}

// CheckCoverage verifies that every bit set in required is also set in
// candidate. It fails if candidate is shorter than required. Coverage denial
// is the safe default: any doubt results in an error.
func CheckCoverage(candidate, required []byte) error {
	if len(candidate) < len(required) {
		return fmt.Errorf("%w: candidate mask %d bytes, required %d", ErrCoverage, len(candidate), len(required))
	}
	for i := range required {
		if candidate[i]&required[i] != required[i] {
			return fmt.Errorf("%w: byte %d has %02x, requires %02x", ErrCoverage, i, candidate[i], required[i])
		}
	}
	return nil
}
