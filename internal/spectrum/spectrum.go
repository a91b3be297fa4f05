package spectrum

import (
	"errors"
	"fmt"
)

const (
	vars   = 4
	points = 1 << vars
)

var ErrMalformedInput = errors.New("value not boolean")

// Bounds are the worst-case Walsh and autocorrelation magnitudes of a
// function. Lower is stronger.
type Bounds struct {
	Walsh int `json:"walsh"`
	Auto  int `json:"auto"`
}

// Max keeps the worse of each bound.
func (b Bounds) Max(other Bounds) Bounds {
	if other.Walsh > b.Walsh {
		b.Walsh = other.Walsh
	}
	if other.Auto > b.Auto {
		b.Auto = other.Auto
	}
	return b
}

// Within reports whether b is at or below limit on both bounds.
func (b Bounds) Within(limit Bounds) bool {
	return b.Walsh <= limit.Walsh && b.Auto <= limit.Auto
}

// Bits expands a column into its 16 truth-table rows, most significant bit
// first.
func Bits(col uint16) []int {
	bits := make([]int, points)
	for i := range bits {
		bits[i] = int(col>>(points-1-i)) & 1
	}
	return bits
}

func Walsh(col uint16) (int, error) {
	coeffs, err := signs(Bits(col))
	if err != nil {
		return 0, err
	}
	butterfly(&coeffs)
	return maxAbs(coeffs[:]), nil
}

func Autocorrelation(col uint16) (int, error) {
	coeffs, err := signs(Bits(col))
	if err != nil {
		return 0, err
	}
	return autoFromSigns(coeffs), nil
}

func Spectrum(col uint16) (Bounds, error) {
	return SpectrumBits(Bits(col))
}

// SpectrumBits scores a truth table given row by row. Every entry must be 0
// or 1.
func SpectrumBits(bits []int) (Bounds, error) {
	coeffs, err := signs(bits)
	if err != nil {
		return Bounds{}, err
	}
	auto := autoFromSigns(coeffs)
	butterfly(&coeffs)
	return Bounds{Walsh: maxAbs(coeffs[:]), Auto: auto}, nil
}

// MultiSpectrum takes the worst bound over every nonzero XOR combination of
// the columns.
func MultiSpectrum(cols [4]uint16) (Bounds, error) {
	var worst Bounds
	for _, combo := range Combinations(cols) {
		b, err := Spectrum(combo)
		if err != nil {
			return Bounds{}, err
		}
		worst = worst.Max(b)
	}
	return worst, nil
}

// Combinations returns the 15 nonzero linear combinations of the columns.
func Combinations(cols [4]uint16) []uint16 {
	out := make([]uint16, 0, points-1)
	for mask := 1; mask < points; mask++ {
		var acc uint16
		for i, col := range cols {
			if mask&(1<<(len(cols)-1-i)) != 0 {
				acc ^= col
			}
		}
		out = append(out, acc)
	}
	return out
}

func signs(bits []int) ([points]int, error) {
	var out [points]int
	if len(bits) != points {
		return out, fmt.Errorf("%w: got %d rows, want %d", ErrMalformedInput, len(bits), points)
	}
	for i, bit := range bits {
		switch bit {
		case 0:
			out[i] = 1
		case 1:
			out[i] = -1
		default:
			return out, fmt.Errorf("%w: row %d is %d", ErrMalformedInput, i, bit)
		}
	}
	return out, nil
}

func autoFromSigns(coeffs [points]int) int {
	butterfly(&coeffs)
	for i := range coeffs {
		coeffs[i] *= coeffs[i]
	}
	butterfly(&coeffs)
	for i := range coeffs {
		coeffs[i] /= points
	}
	// Shift zero is always 16 and carries no information.
	return maxAbs(coeffs[1:])
}

// butterfly is the in-place fast Walsh-Hadamard transform.
func butterfly(f *[points]int) {
	for i := 0; i < vars; i++ {
		half := 1 << i
		for k := 0; k < points; k += half << 1 {
			for j := k; j < k+half; j++ {
				a := f[j] + f[j+half]
				b := f[j] - f[j+half]
				f[j] = a
				f[j+half] = b
			}
		}
	}
}

func maxAbs(values []int) int {
	m := 0
	for _, v := range values {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}
