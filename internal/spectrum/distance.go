package spectrum

import (
	"fmt"
	"math/bits"

	"revsynth/internal/sbox"
)

// HammingDistance is the average bit distance between two multi-output
// functions, taken over every way of pairing m1's columns with m2's.
func HammingDistance(m1, m2 []uint16) (int, error) {
	if len(m1) != len(m2) {
		return 0, fmt.Errorf("output count mismatch: %d vs %d", len(m1), len(m2))
	}
	if len(m1) == 0 {
		return 0, nil
	}
	total, pairings := 0, 0
	permute(append([]uint16(nil), m2...), 0, func(p []uint16) {
		for i := range m1 {
			total += bits.OnesCount16(m1[i] ^ p[i])
		}
		pairings++
	})
	return total / pairings, nil
}

// OutputLineChanges counts the S-box entries at which two functions, given
// as columns, disagree.
func OutputLineChanges(f1, f2 []uint16) (int, error) {
	sb1, err := sbox.FromColumns(widen(f1))
	if err != nil {
		return 0, err
	}
	sb2, err := sbox.FromColumns(widen(f2))
	if err != nil {
		return 0, err
	}
	if len(sb1) != len(sb2) {
		return 0, fmt.Errorf("s-box size mismatch: %d vs %d", len(sb1), len(sb2))
	}
	changes := 0
	for i := range sb1 {
		if sb1[i] != sb2[i] {
			changes++
		}
	}
	return changes, nil
}

func widen(cols []uint16) []uint64 {
	out := make([]uint64, len(cols))
	for i, c := range cols {
		out[i] = uint64(c)
	}
	return out
}

func permute(xs []uint16, k int, visit func([]uint16)) {
	if k == len(xs) {
		visit(xs)
		return
	}
	for i := k; i < len(xs); i++ {
		xs[k], xs[i] = xs[i], xs[k]
		permute(xs, k+1, visit)
		xs[k], xs[i] = xs[i], xs[k]
	}
}
