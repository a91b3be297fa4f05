// Package sbox converts between an S-box lookup table and its output
// column functions.
//
// An S-box with 2^n entries has n columns. Column k holds output bit k
// (counting from the most significant output bit) of every entry, with
// entry 0 in the most significant position of the column.
package sbox

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"revsynth/internal/model"
)

// MaxInputs bounds n so that a column of 2^n rows fits in a uint64.
const MaxInputs = 6

var (
	ErrInvalidSize    = errors.New("s-box size must be a power of two")
	ErrNotPermutation = errors.New("s-box is not a permutation")
)

// Inputs returns n for an S-box of 2^n entries.
func Inputs(size int) (int, error) {
	if size < 2 || size&(size-1) != 0 {
		return 0, fmt.Errorf("%w: got %d entries", ErrInvalidSize, size)
	}
	n := bits.TrailingZeros(uint(size))
	if n > MaxInputs {
		return 0, fmt.Errorf("%w: %d inputs exceeds %d", ErrInvalidSize, n, MaxInputs)
	}
	return n, nil
}

// ToColumns transposes an S-box into its n column functions.
func ToColumns(sb []int) ([]uint64, error) {
	n, err := Inputs(len(sb))
	if err != nil {
		return nil, err
	}
	rows := len(sb)
	cols := make([]uint64, n)
	for i, v := range sb {
		if v < 0 || v >= rows {
			return nil, fmt.Errorf("entry %d out of range: %d", i, v)
		}
		for k := 0; k < n; k++ {
			if v>>(n-1-k)&1 == 1 {
				cols[k] |= 1 << (rows - 1 - i)
			}
		}
	}
	return cols, nil
}

// FromColumns rebuilds the 2^n-entry S-box from n column functions.
func FromColumns(cols []uint64) ([]int, error) {
	n := len(cols)
	if n < 1 || n > MaxInputs {
		return nil, fmt.Errorf("%w: %d columns", ErrInvalidSize, n)
	}
	return fromColumns(cols), nil
}

// fromColumns requires 1 <= len(cols) <= MaxInputs.
func fromColumns(cols []uint64) []int {
	n := len(cols)
	rows := 1 << n
	sb := make([]int, rows)
	for i := range sb {
		for k, col := range cols {
			if col>>(rows-1-i)&1 == 1 {
				sb[i] |= 1 << (n - 1 - k)
			}
		}
	}
	return sb
}

// ValidatePermutation checks that sb is a permutation of 0..len(sb)-1.
func ValidatePermutation(sb []int) error {
	if _, err := Inputs(len(sb)); err != nil {
		return err
	}
	seen := make([]bool, len(sb))
	for i, v := range sb {
		if v < 0 || v >= len(sb) {
			return fmt.Errorf("%w: entry %d is %d", ErrNotPermutation, i, v)
		}
		if seen[v] {
			return fmt.Errorf("%w: value %d repeated", ErrNotPermutation, v)
		}
		seen[v] = true
	}
	return nil
}

// State converts a 4-bit permutation S-box into the search state.
func State(sb []int) (model.State, error) {
	if len(sb) != 16 {
		return model.State{}, fmt.Errorf("%w: search needs 16 entries, got %d", ErrInvalidSize, len(sb))
	}
	if err := ValidatePermutation(sb); err != nil {
		return model.State{}, err
	}
	cols, err := ToColumns(sb)
	if err != nil {
		return model.State{}, err
	}
	return model.State{A: uint16(cols[0]), B: uint16(cols[1]), C: uint16(cols[2]), D: uint16(cols[3])}, nil
}

// FromState is the inverse of State. A state always has four columns, so
// unlike FromColumns it cannot fail.
func FromState(s model.State) []int {
	cols := s.Columns()
	return fromColumns([]uint64{uint64(cols[0]), uint64(cols[1]), uint64(cols[2]), uint64(cols[3])})
}

// Parse reads S-box entries given as decimal or 0x-prefixed hex strings.
func Parse(args []string) ([]int, error) {
	sb := make([]int, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseInt(strings.TrimSpace(arg), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("parse s-box entry %q: %w", arg, err)
		}
		sb = append(sb, int(v))
	}
	return sb, nil
}

// Format renders an S-box as space-separated decimal values.
func Format(sb []int) string {
	parts := make([]string, len(sb))
	for i, v := range sb {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, " ")
}
