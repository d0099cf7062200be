package projection

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func header(ts int64) event.Header {
	return event.Header{RequestID: uuid.New(), Timestamp: ts}
}

// lendingHistory runs vault setup, a borrow and a liquidation through a core
// and returns the projection-side outputs.
func lendingHistory(t *testing.T) (*core.DeterministicCore, []core.CoreOutput) {
	t.Helper()
	persistCh := make(chan core.CoreOutput, 64)
	projCh := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, nil)

	owner, alice := uuid.New(), uuid.New()
	vault := event.VaultRef{VaultOwner: owner, VaultName: "main"}
	pos := event.PositionRef{VaultRef: vault, User: alice, CollateralAsset: "ETH"}

	events := []event.Event{
		&event.VaultCreated{Header: header(1), Owner: owner, Name: "main", CollateralRatioBps: 20_000, StableAsset: "USDT"},
		&event.AccountFunded{Header: header(2), UserID: owner, Asset: "USDT", Amount: 5_000},
		&event.LiquiditySupplied{Header: header(3), VaultRef: vault, Caller: owner, Amount: 5_000},
		&event.AccountFunded{Header: header(4), UserID: alice, Asset: "ETH", Amount: 10},
		&event.DepositRequested{Header: header(5), PositionRef: pos, Caller: alice, Amount: 10, UnitValue: 200},
		&event.BorrowRequested{Header: header(6), PositionRef: pos, Caller: alice, Amount: 900},
		&event.CollateralRevalued{Header: header(7), PositionRef: pos, UnitValue: 150},
		&event.LiquidateRequested{Header: header(8), PositionRef: pos, Liquidator: uuid.New()},
	}
	for _, evt := range events {
		if _, err := c.ProcessEvent(context.Background(), evt); err != nil {
			t.Fatalf("process %s: %v", evt.EventType(), err)
		}
	}

	var outputs []core.CoreOutput
	for len(projCh) > 0 {
		outputs = append(outputs, <-projCh)
	}
	if len(outputs) != len(events) {
		t.Fatalf("outputs: got %d, want %d", len(outputs), len(events))
	}
	return c, outputs
}

func TestFromCore_BorrowCarriesAbsoluteRows(t *testing.T) {
	_, outputs := lendingHistory(t)
	p := FromCore(outputs[5])

	if p.Sequence != 5 || p.EventType != "BorrowRequested" {
		t.Fatalf("header: got seq=%d type=%s", p.Sequence, p.EventType)
	}
	if len(p.Balances) != 2 {
		t.Fatalf("balances: got %d, want 2 (wallet + custody)", len(p.Balances))
	}
	if p.Balances[0].AccountPath > p.Balances[1].AccountPath {
		t.Error("balance rows should be sorted by account path")
	}
	for _, b := range p.Balances {
		switch {
		case strings.HasPrefix(b.AccountPath, "user:") && strings.HasSuffix(b.AccountPath, ":USDT"):
			if b.Balance != 900 {
				t.Errorf("wallet balance: got %d, want 900", b.Balance)
			}
		case strings.HasPrefix(b.AccountPath, "vault:"):
			if b.Balance != 4_100 {
				t.Errorf("custody balance: got %d, want 4100", b.Balance)
			}
		default:
			t.Errorf("unexpected account %s", b.AccountPath)
		}
	}

	if p.Vault == nil || p.Vault.TotalBorrowed != 900 || p.Vault.TotalCollateralValue != 2_000 {
		t.Fatalf("vault row: %+v", p.Vault)
	}
	if p.Position == nil || p.Position.BorrowedAmount != 900 || p.Position.Status != "Funded" {
		t.Fatalf("position row: %+v", p.Position)
	}
	if p.Liquidation != nil {
		t.Fatal("borrow should not produce a liquidation row")
	}
}

func TestFromCore_LiquidationProducesHistoryEntry(t *testing.T) {
	_, outputs := lendingHistory(t)
	p := FromCore(outputs[7])

	if p.Liquidation == nil {
		t.Fatal("expected liquidation entry")
	}
	l := p.Liquidation
	if l.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", l.Sequence)
	}
	if l.SeizedCollateral != 10 || l.ClearedDebt != 900 || l.ClearedValue != 1_500 {
		t.Errorf("entry amounts: %+v", l)
	}
	if l.RatioBps != 16_666 {
		t.Errorf("ratio: got %d, want 16666", l.RatioBps)
	}
	if l.CollateralAsset != "ETH" {
		t.Errorf("asset: got %s", l.CollateralAsset)
	}
	if p.Position == nil || p.Position.Status != "Empty" || p.Position.BorrowedAmount != 0 {
		t.Errorf("liquidated position should be empty: %+v", p.Position)
	}
}

func TestStatementsFor_OrderAndWatermark(t *testing.T) {
	_, outputs := lendingHistory(t)
	stmts := statementsFor(FromCore(outputs[7]))

	var names []string
	for _, st := range stmts {
		names = append(names, st.name)
	}
	got := strings.Join(names, ",")
	if !strings.HasPrefix(got, "balances,") || !strings.HasSuffix(got, "vaults,positions,liquidation_history,watermark") {
		t.Fatalf("statement order: %s", got)
	}

	last := stmts[len(stmts)-1]
	if last.args[0] != WatermarkName || last.args[1] != int64(7) {
		t.Errorf("watermark args: %v", last.args)
	}
}

func TestStatementsFor_FundingTouchesOnlyBalances(t *testing.T) {
	_, outputs := lendingHistory(t)
	stmts := statementsFor(FromCore(outputs[1]))

	for _, st := range stmts {
		if st.name != "balances" && st.name != "watermark" {
			t.Errorf("funding produced %s write", st.name)
		}
	}
	if len(stmts) != 3 {
		t.Errorf("statements: got %d, want 3 (external, wallet, watermark)", len(stmts))
	}
}

func TestUpsertsAreSequenceGuarded(t *testing.T) {
	for _, st := range []statement{
		upsertBalance(BalanceRow{AccountPath: "x"}, 1),
		upsertVault(&VaultRow{}, 1),
		upsertPosition(&PositionRow{}, 1),
	} {
		if !strings.Contains(st.query, "last_sequence < EXCLUDED.last_sequence") {
			t.Errorf("%s upsert lacks the stale-write guard", st.name)
		}
	}
}

func TestCaptureState(t *testing.T) {
	c, _ := lendingHistory(t)
	view := CaptureState(c)

	if view.Sequence != 7 {
		t.Errorf("sequence: got %d, want 7", view.Sequence)
	}
	if len(view.Vaults) != 1 || len(view.Positions) != 1 || len(view.Liquidations) != 1 {
		t.Errorf("view: %d vaults, %d positions, %d liquidations",
			len(view.Vaults), len(view.Positions), len(view.Liquidations))
	}
}
