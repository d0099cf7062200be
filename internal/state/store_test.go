package state_test

import (
	"VaultLedger/internal/ledger"
	"VaultLedger/internal/state"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func newVault(t *testing.T, s *state.Store) state.Vault {
	t.Helper()
	usdc, _ := ledger.GetAssetID("USDC")
	v := state.Vault{
		Key:                state.VaultKey{Owner: uuid.New(), Name: "prime"},
		CollateralRatioBps: 15_000,
		StableAsset:        usdc,
		Status:             state.VaultStatusActive,
	}
	if err := s.Commit(state.Mutation{Vault: &v}); err != nil {
		t.Fatalf("create vault: %v", err)
	}
	return v
}

func TestStore_CommitPositionAndVaultTogether(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)
	prop, _ := ledger.GetAssetID("PROP")

	pos := state.NewPosition(state.PositionKey{User: uuid.New(), Vault: v.Key, CollateralAsset: prop})
	pos.CollateralAmount = 10
	pos.CollateralValue = 1_000
	pos.Status = state.PositionStatusFunded
	v.TotalCollateralValue = 1_000

	if err := s.Commit(state.Mutation{Vault: &v, Position: &pos}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, ok := s.Position(pos.Key)
	if !ok || got.CollateralValue != 1_000 {
		t.Fatalf("position not committed: %+v", got)
	}
	if err := s.CheckAggregates(v.Key); err != nil {
		t.Fatalf("aggregates: %v", err)
	}
}

func TestStore_RejectedMutationWritesNothing(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)
	prop, _ := ledger.GetAssetID("PROP")

	pos := state.NewPosition(state.PositionKey{User: uuid.New(), Vault: v.Key, CollateralAsset: prop})
	pos.BorrowedAmount = -1
	pos.Status = state.PositionStatusFunded
	v.TotalBorrowed = 99

	err := s.Commit(state.Mutation{Vault: &v, Position: &pos})
	if !errors.Is(err, state.ErrInvalidMutation) {
		t.Fatalf("expected ErrInvalidMutation, got %v", err)
	}

	stored, _ := s.Vault(v.Key)
	if stored.TotalBorrowed != 0 {
		t.Errorf("vault must not change when the position is rejected, got %d", stored.TotalBorrowed)
	}
	if _, ok := s.Position(pos.Key); ok {
		t.Error("position must not be written")
	}
}

func TestStore_StatusMustMatchBalances(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)
	prop, _ := ledger.GetAssetID("PROP")

	pos := state.NewPosition(state.PositionKey{User: uuid.New(), Vault: v.Key, CollateralAsset: prop})
	pos.CollateralAmount = 5 // still marked Empty

	if err := s.Commit(state.Mutation{Position: &pos}); err == nil {
		t.Fatal("expected status mismatch to be rejected")
	}
}

func TestStore_VaultParametersImmutable(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)

	v.CollateralRatioBps = 11_000
	if err := s.Commit(state.Mutation{Vault: &v}); err == nil {
		t.Fatal("expected ratio change to be rejected")
	}
}

func TestStore_LiquidationRequiresEmptyPosition(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)
	prop, _ := ledger.GetAssetID("PROP")
	key := state.PositionKey{User: uuid.New(), Vault: v.Key, CollateralAsset: prop}

	pos := state.NewPosition(key)
	pos.CollateralAmount = 1
	pos.CollateralValue = 1
	pos.Status = state.PositionStatusFunded

	rec := &state.LiquidationRecord{LiquidationID: uuid.New(), Position: key}
	if err := s.Commit(state.Mutation{Position: &pos, Liquidation: rec}); err == nil {
		t.Fatal("expected liquidation of a funded position to be rejected")
	}
	if len(s.Liquidations()) != 0 {
		t.Error("liquidation log must stay empty")
	}
}

func TestStore_AggregateDriftDetected(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)

	v.TotalBorrowed = 10
	s.RestoreVault(v)

	if err := s.CheckAllAggregates(); err == nil {
		t.Fatal("expected drift to be detected")
	}
}

func TestVaultStatus_Transitions(t *testing.T) {
	if !state.VaultStatusActive.CanTransitionTo(state.VaultStatusPaused) {
		t.Error("Active -> Paused should be allowed")
	}
	if state.VaultStatusActive.CanTransitionTo(state.VaultStatusActive) {
		t.Error("Active -> Active is not a transition")
	}

	s := state.NewStore()
	v := newVault(t, s)
	v.Status = state.VaultStatusPaused
	if err := s.Commit(state.Mutation{Vault: &v}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := s.Vault(v.Key)
	if got.IsActive() {
		t.Error("vault should be paused")
	}
}

func TestVaultStatus_OnlyChangesThroughCommit(t *testing.T) {
	s := state.NewStore()
	v := newVault(t, s)

	bogus := v
	bogus.Status = state.VaultStatus(7)
	if err := s.Commit(state.Mutation{Vault: &bogus}); !errors.Is(err, state.ErrInvalidMutation) {
		t.Fatalf("unknown status: want ErrInvalidMutation, got %v", err)
	}

	got, _ := s.Vault(v.Key)
	got.Status = state.VaultStatusPaused
	if current, _ := s.Vault(v.Key); !current.IsActive() {
		t.Fatal("a copied vault must not alias store state")
	}
	if err := s.Commit(state.Mutation{Vault: &got}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got.Status = state.VaultStatusActive
	if err := s.Commit(state.Mutation{Vault: &got}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if current, _ := s.Vault(v.Key); !current.IsActive() {
		t.Error("vault should be active again")
	}
}

func TestValidateVaultParams(t *testing.T) {
	cases := []struct {
		name    string
		params  state.VaultParams
		wantErr bool
	}{
		{"ok", state.VaultParams{Name: "prime", CollateralRatioBps: 15_000, StableAsset: "USDC"}, false},
		{"zero ratio", state.VaultParams{Name: "prime", CollateralRatioBps: 0, StableAsset: "USDC"}, true},
		{"empty name", state.VaultParams{CollateralRatioBps: 15_000, StableAsset: "USDC"}, true},
		{"unknown asset", state.VaultParams{Name: "prime", CollateralRatioBps: 15_000, StableAsset: "DOGE"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := state.ValidateVaultParams(tc.params)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestVaultKey_AccountIDDeterministic(t *testing.T) {
	owner := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	a := state.VaultKey{Owner: owner, Name: "prime"}.AccountID()
	b := state.VaultKey{Owner: owner, Name: "prime"}.AccountID()
	c := state.VaultKey{Owner: owner, Name: "other"}.AccountID()

	if a != b {
		t.Error("same key should map to the same custody id")
	}
	if a == c {
		t.Error("different names should map to different custody ids")
	}
}
