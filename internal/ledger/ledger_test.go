package ledger_test

import (
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_WalletPath(t *testing.T) {
	userID := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	assetID, _ := ledger.GetAssetID("USDC")
	key := ledger.NewWalletAccountKey(userID, assetID)

	path := key.AccountPath()
	expected := "user:550e8400-e29b-41d4-a716-446655440000:wallet:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_CustodyPath(t *testing.T) {
	vaultID := uuid.MustParse("660e8400-e29b-41d4-a716-446655440001")
	assetID, _ := ledger.GetAssetID("PROP")
	key := ledger.NewCustodyAccountKey(vaultID, assetID)

	path := key.AccountPath()
	if path != "vault:660e8400-e29b-41d4-a716-446655440001:custody:PROP" {
		t.Errorf("got %q", path)
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	assetID, _ := ledger.GetAssetID("USDT")
	key := ledger.NewExternalAccountKey(assetID)

	path := key.AccountPath()
	if path != "external:deposits:USDT" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDT")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	btc, _ := ledger.GetAssetID("BTC")
	keys := []ledger.AccountKey{
		ledger.NewWalletAccountKey(uuid.New(), btc),
		ledger.NewCustodyAccountKey(uuid.New(), btc),
		ledger.NewExternalAccountKey(btc),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip mismatch for %s", key.AccountPath())
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	for _, path := range []string{
		"",
		"user:not-a-uuid:wallet:USDT",
		"user:550e8400-e29b-41d4-a716-446655440000:wallet:DOGE",
		"system:fees:USDT",
		"vault:550e8400-e29b-41d4-a716-446655440000:wallet:USDT",
	} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsNonPositive(t *testing.T) {
	usdc, _ := ledger.GetAssetID("USDC")
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.NewWalletAccountKey(uuid.New(), usdc),
			CreditAccount: ledger.NewExternalAccountKey(usdc),
			AssetID:       usdc,
			Amount:        0,
		}},
	}

	if err := batch.Validate(); err == nil {
		t.Fatal("expected error for zero amount journal")
	}
}

func TestBatch_ValidateRejectsEmpty(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

// ============================================================================
// Test: Ledger (TransferPort)
// ============================================================================

func fund(t *testing.T, l *ledger.Ledger, to ledger.AccountKey, amount int64) {
	t.Helper()
	err := l.Transfer(context.Background(), ledger.Instruction{
		Type:   ledger.JournalTypeFunding,
		Asset:  to.AssetID,
		Amount: amount,
		From:   ledger.NewExternalAccountKey(to.AssetID),
		To:     to,
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func TestLedger_TransferMovesFunds(t *testing.T) {
	l := ledger.NewLedger(ledger.NewBalanceTracker())
	usdc, _ := ledger.GetAssetID("USDC")
	alice := ledger.NewWalletAccountKey(uuid.New(), usdc)
	vault := ledger.NewCustodyAccountKey(uuid.New(), usdc)

	l.Begin("evt-1", 1, 1_700_000_000_000_000)
	fund(t, l, alice, 1_000)

	err := l.Transfer(context.Background(), ledger.Instruction{
		Type:   ledger.JournalTypeCollateralDeposit,
		Asset:  usdc,
		Amount: 400,
		From:   alice,
		To:     vault,
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := l.Tracker().GetBalance(alice); got != 600 {
		t.Errorf("alice: got %d, want 600", got)
	}
	if got := l.Tracker().GetBalance(vault); got != 400 {
		t.Errorf("vault: got %d, want 400", got)
	}

	batch := l.Commit()
	if len(batch.Journals) != 2 {
		t.Fatalf("journals: got %d, want 2", len(batch.Journals))
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("batch should validate: %v", err)
	}
	if batch.Journals[1].DebitAccount != vault || batch.Journals[1].CreditAccount != alice {
		t.Error("deposit journal should debit the vault and credit the wallet")
	}
}

func TestLedger_InsufficientFundsLeavesNoEffect(t *testing.T) {
	l := ledger.NewLedger(ledger.NewBalanceTracker())
	usdc, _ := ledger.GetAssetID("USDC")
	alice := ledger.NewWalletAccountKey(uuid.New(), usdc)
	bob := ledger.NewWalletAccountKey(uuid.New(), usdc)

	fund(t, l, alice, 100)

	err := l.Transfer(context.Background(), ledger.Instruction{
		Asset: usdc, Amount: 101, From: alice, To: bob,
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := l.Tracker().GetBalance(alice); got != 100 {
		t.Errorf("alice should be untouched, got %d", got)
	}
	if got := l.Tracker().GetBalance(bob); got != 0 {
		t.Errorf("bob should be untouched, got %d", got)
	}
}

func TestLedger_BalanceOverflowLeavesNoEffect(t *testing.T) {
	l := ledger.NewLedger(ledger.NewBalanceTracker())
	usdc, _ := ledger.GetAssetID("USDC")
	external := ledger.NewExternalAccountKey(usdc)
	alice := ledger.NewWalletAccountKey(uuid.New(), usdc)
	bob := ledger.NewWalletAccountKey(uuid.New(), usdc)

	fund(t, l, alice, math.MaxInt64)

	// Credit side: alice cannot hold more
	err := l.Transfer(context.Background(), ledger.Instruction{
		Asset: usdc, Amount: 10, From: external, To: alice,
	})
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow crediting alice, got %v", err)
	}
	if got := l.Tracker().GetBalance(alice); got != math.MaxInt64 {
		t.Errorf("alice should be untouched, got %d", got)
	}

	// Debit side: the external account is already at -MaxInt64
	err = l.Transfer(context.Background(), ledger.Instruction{
		Asset: usdc, Amount: 2, From: external, To: bob,
	})
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow debiting the external account, got %v", err)
	}
	if got := l.Tracker().GetBalance(bob); got != 0 {
		t.Errorf("bob should be untouched, got %d", got)
	}
	if got := l.Tracker().GetBalance(external); got != -math.MaxInt64 {
		t.Errorf("external balance: got %d", got)
	}
}

func TestLedger_RejectsMalformedInstructions(t *testing.T) {
	l := ledger.NewLedger(ledger.NewBalanceTracker())
	usdc, _ := ledger.GetAssetID("USDC")
	btc, _ := ledger.GetAssetID("BTC")
	alice := ledger.NewWalletAccountKey(uuid.New(), usdc)

	cases := []ledger.Instruction{
		{Asset: usdc, Amount: 0, From: ledger.NewExternalAccountKey(usdc), To: alice},
		{Asset: usdc, Amount: 5, From: alice, To: alice},
		{Asset: btc, Amount: 5, From: ledger.NewExternalAccountKey(btc), To: alice},
	}
	for i, ins := range cases {
		if err := l.Transfer(context.Background(), ins); !errors.Is(err, ledger.ErrInvalidTransfer) {
			t.Errorf("case %d: expected ErrInvalidTransfer, got %v", i, err)
		}
	}
}

func TestLedger_RollbackRevertsBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	l := ledger.NewLedger(bt)
	eth, _ := ledger.GetAssetID("ETH")
	alice := ledger.NewWalletAccountKey(uuid.New(), eth)

	l.Begin("evt-rollback", 7, 0)
	fund(t, l, alice, 50)
	l.Rollback()

	if got := bt.GetBalance(alice); got != 0 {
		t.Errorf("rollback should restore zero balance, got %d", got)
	}
	if batch := l.Commit(); batch != nil {
		t.Error("commit after rollback should have no batch")
	}

	v := ledger.NewInvariantValidator(bt)
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance after rollback: %v", err)
	}
}

func TestLedger_DeterministicJournalIDs(t *testing.T) {
	usdc, _ := ledger.GetAssetID("USDC")
	alice := ledger.NewWalletAccountKey(uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"), usdc)

	run := func() *ledger.Batch {
		l := ledger.NewLedger(ledger.NewBalanceTracker())
		l.Begin("evt-det", 3, 42)
		fund(t, l, alice, 10)
		return l.Commit()
	}

	a, b := run(), run()
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Error("journal ids should be derived from the event, not random")
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	l := ledger.NewLedger(bt)
	usdc, _ := ledger.GetAssetID("USDC")

	for i := 0; i < 5; i++ {
		fund(t, l, ledger.NewWalletAccountKey(uuid.New(), usdc), int64(100*(i+1)))
	}

	totals := bt.ComputeGlobalBalance()
	if totals[usdc] != 0 {
		t.Errorf("global balance should be zero, got %d", totals[usdc])
	}
}
