package main

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/persistence"
	"VaultLedger/internal/projection"
	"VaultLedger/internal/query"
	"VaultLedger/internal/testutil"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parties struct {
	owner, alice, liquidator uuid.UUID
}

func lendingEvents(p parties) []event.Event {
	ts := int64(1_700_000_000_000_000)
	hdr := func() event.Header {
		ts += 1_000
		return event.Header{RequestID: uuid.New(), Timestamp: ts}
	}
	vault := event.VaultRef{VaultOwner: p.owner, VaultName: "prime"}
	pos := event.PositionRef{VaultRef: vault, User: p.alice, CollateralAsset: "PROP"}

	return []event.Event{
		&event.VaultCreated{Header: hdr(), Owner: p.owner, Name: "prime", CollateralRatioBps: 15_000, StableAsset: "USDC"},
		&event.AccountFunded{Header: hdr(), UserID: p.owner, Asset: "USDC", Amount: 10_000},
		&event.LiquiditySupplied{Header: hdr(), VaultRef: vault, Caller: p.owner, Amount: 10_000},
		&event.AccountFunded{Header: hdr(), UserID: p.alice, Asset: "PROP", Amount: 1_000},
		&event.DepositRequested{Header: hdr(), PositionRef: pos, Caller: p.alice, Amount: 100, UnitValue: 10},
		&event.BorrowRequested{Header: hdr(), PositionRef: pos, Caller: p.alice, Amount: 600},
		&event.CollateralRevalued{Header: hdr(), PositionRef: pos, UnitValue: 8},
		&event.LiquidateRequested{Header: hdr(), PositionRef: pos, Liquidator: p.liquidator},
	}
}

func newCore() (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	persistCh := make(chan core.CoreOutput, 256)
	projCh := make(chan core.CoreOutput, 256)
	c := core.NewDeterministicCore(0, persistCh, projCh, nil, nil)
	c.SetPayloadEncoder(ingestion.EncodeEvent)
	return c, persistCh, projCh
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestRecoveryReplaysLogAndSnapshots(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	p := parties{owner: uuid.New(), alice: uuid.New(), liquidator: uuid.New()}

	db := testutil.SetupTestDB(t)
	c, persistCh, projCh := newCore()
	events := lendingEvents(p)
	for _, evt := range events {
		_, err := c.ProcessEvent(ctx, evt)
		require.NoError(t, err, evt.EventType().String())
	}

	var records []persistence.Record
	for _, out := range drain(persistCh) {
		records = append(records, persistence.RecordFromOutput(out))
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteRecords(ctx, records))

	pw := projection.NewProjectionWorker(db, nil, zerolog.Nop(), nil)
	for _, out := range drain(projCh) {
		require.NoError(t, pw.Apply(ctx, projection.FromCore(out)))
	}

	snapMgr := persistence.NewSnapshotManager(db)

	t.Run("cold replay reproduces the chain", func(t *testing.T) {
		fresh, _, _ := newCore()
		n, err := recoverCore(ctx, fresh, snapMgr, zerolog.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, len(events), n)
		assert.Equal(t, c.GetStateHash(), fresh.GetStateHash())
		assert.Equal(t, c.GetSequence(), fresh.GetSequence())
	})

	t.Run("snapshot restore replays nothing", func(t *testing.T) {
		snaps := &snapshotter{snapMgr: snapMgr, logger: zerolog.Nop()}
		seq, size, err := snaps.save(ctx, c.CreateSnapshotState())
		require.NoError(t, err)
		assert.Equal(t, int64(len(events)-1), seq)
		assert.Positive(t, size)

		fresh, _, _ := newCore()
		n, err := recoverCore(ctx, fresh, snapMgr, zerolog.Nop(), nil)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, c.GetStateHash(), fresh.GetStateHash())
		assert.Len(t, fresh.Store().Liquidations(), 1)
	})

	t.Run("read side agrees with the core", func(t *testing.T) {
		pool, err := query.Connect(ctx, testutil.TestPostgresDSN(), 2)
		require.NoError(t, err)
		defer pool.Close()
		qs := query.NewQueryService(pool)

		report, err := qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)
		assert.Equal(t, int64(len(events)-1), report.AsOfSequence)

		history, err := qs.ListLiquidations(ctx, p.owner, "prime", 10, nil)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, p.liquidator, history[0].Liquidator)
		assert.Equal(t, "133.33", history[0].RatioPct)

		bal, err := qs.GetBalance(ctx, p.liquidator, "PROP")
		require.NoError(t, err)
		assert.Equal(t, int64(100), bal.Balance)

		require.NoError(t, projection.RebuildProjections(ctx, db, projection.CaptureState(c), zerolog.Nop()))
		report, err = qs.VerifyIntegrity(ctx)
		require.NoError(t, err)
		assert.True(t, report.IsHealthy, "%+v", report)

		bal, err = qs.GetBalance(ctx, p.alice, "USDC")
		require.NoError(t, err)
		assert.Equal(t, int64(600), bal.Balance)
	})
}

func TestSnapshotAheadOfLogIsRefused(t *testing.T) {
	testutil.RequireIntegration(t)
	ctx := context.Background()
	db := testutil.SetupTestDB(t)

	c, _, _ := newCore()
	for _, evt := range lendingEvents(parties{owner: uuid.New(), alice: uuid.New(), liquidator: uuid.New()})[:2] {
		_, err := c.ProcessEvent(ctx, evt)
		require.NoError(t, err)
	}

	snaps := &snapshotter{snapMgr: persistence.NewSnapshotManager(db), logger: zerolog.Nop()}
	_, _, err := snaps.save(ctx, c.CreateSnapshotState())
	assert.ErrorIs(t, err, errSnapshotAhead)
}
