package state

import (
	"VaultLedger/internal/ledger"
	"fmt"
)

// MaxVaultNameLen bounds the length-prefixed name in CanonicalBytes
const MaxVaultNameLen = 64

// VaultParams are the immutable parameters chosen at vault creation
type VaultParams struct {
	Name               string
	CollateralRatioBps int64
	StableAsset        string
}

// ValidateVaultParams checks parameters are within valid ranges:
// ratio > 0, 0 < len(name) <= MaxVaultNameLen, known stable asset.
func ValidateVaultParams(params VaultParams) (ledger.AssetID, error) {
	if params.CollateralRatioBps <= 0 {
		return 0, fmt.Errorf("collateral_ratio_bps must be > 0, got %d", params.CollateralRatioBps)
	}
	if params.Name == "" {
		return 0, fmt.Errorf("name must not be empty")
	}
	if len(params.Name) > MaxVaultNameLen {
		return 0, fmt.Errorf("name must be at most %d bytes, got %d", MaxVaultNameLen, len(params.Name))
	}
	assetID, ok := ledger.GetAssetID(params.StableAsset)
	if !ok {
		return 0, fmt.Errorf("unknown stable asset %q", params.StableAsset)
	}
	return assetID, nil
}
