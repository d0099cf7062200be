package math

import (
	"math"

	"github.com/holiman/uint256"
)

// BasisPoints is the scale of every ratio the engine stores: 10000 = 100%.
const BasisPoints int64 = 10_000

var maxInt64 = uint256.NewInt(math.MaxInt64)

// MulDivFloor computes floor(a * b / d) with a 256-bit intermediate, so the
// product never overflows before the division. a and b must be >= 0 and
// d > 0; a quotient that does not fit in int64 returns ErrOverflow.
func MulDivFloor(a, b, d int64) (int64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}
	if a < 0 || b < 0 || d < 0 {
		return 0, ErrOverflow
	}

	product := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	quotient := product.Div(product, uint256.NewInt(uint64(d)))

	if quotient.Gt(maxInt64) {
		return 0, ErrOverflow
	}
	return int64(quotient.Uint64()), nil
}

// MulDivFloorSaturating is MulDivFloor clamped to MaxInt64 instead of
// failing. Used where "larger than any representable amount" is a valid
// answer (ceilings and ratios), never for amounts that get stored.
func MulDivFloorSaturating(a, b, d int64) (int64, error) {
	v, err := MulDivFloor(a, b, d)
	if err == ErrOverflow && a >= 0 && b >= 0 && d > 0 {
		return math.MaxInt64, nil
	}
	return v, err
}
