package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeVault
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// Vault sub-types
	SubTypeCustody

	// External sub-types
	SubTypeExternalDeposits
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
		"BTC":  3,
		"ETH":  4,
		"PROP": 5, // tokenized property shares
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
		3: "BTC",
		4: "ETH",
		5: "PROP",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user id or vault custody id
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletAccountKey creates the key for a user's free balance of an asset
func NewWalletAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewCustodyAccountKey creates the key for assets a vault holds on behalf of its positions
func NewCustodyAccountKey(vaultID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeVault,
		EntityID: vaultID,
		SubType:  SubTypeCustody,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for the external boundary account.
// External accounts are the only ones allowed to go negative.
func NewExternalAccountKey(assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: SubTypeExternalDeposits,
		AssetID: assetID,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), assetName)
	case AccountScopeVault:
		return fmt.Sprintf("vault:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCustody:
		return "custody"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && (parts[0] == "user" || parts[0] == "vault"):
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		if parts[0] == "user" && parts[2] == "wallet" {
			return NewWalletAccountKey(id, assetID), nil
		}
		if parts[0] == "vault" && parts[2] == "custody" {
			return NewCustodyAccountKey(id, assetID), nil
		}

	case len(parts) == 3 && parts[0] == "external" && parts[1] == "deposits":
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewExternalAccountKey(assetID), nil
	}

	return AccountKey{}, fmt.Errorf("account path %q: unrecognized layout", path)
}
