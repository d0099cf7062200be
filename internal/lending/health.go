package lending

import (
	fpmath "VaultLedger/internal/math"
	"math"
)

// MaxRatioBps is the health ratio of a position with no debt
const MaxRatioBps int64 = math.MaxInt64

// RatioBps returns floor(collateralValue * 10_000 / borrowed).
// A debt-free position reports MaxRatioBps; ratios beyond int64 saturate.
func RatioBps(collateralValue, borrowed int64) int64 {
	if borrowed <= 0 {
		return MaxRatioBps
	}
	if collateralValue <= 0 {
		return 0
	}
	ratio, _ := fpmath.MulDivFloorSaturating(collateralValue, fpmath.BasisPoints, borrowed)
	return ratio
}

// MaxBorrow returns floor(collateralValue * 10_000 / ratioBps), saturating at MaxInt64.
func MaxBorrow(collateralValue, ratioBps int64) (int64, error) {
	if ratioBps <= 0 {
		return 0, ErrInvalidParameter
	}
	if collateralValue <= 0 {
		return 0, nil
	}
	return fpmath.MulDivFloorSaturating(collateralValue, fpmath.BasisPoints, ratioBps)
}

// IsHealthy reports whether the position meets the required ratio
func IsHealthy(collateralValue, borrowed, requiredBps int64) bool {
	return RatioBps(collateralValue, borrowed) >= requiredBps
}
