package core

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/ledger"
	fpmath "VaultLedger/internal/math"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrSequenceViolation wraps source-sequence gaps and out-of-order delivery
var ErrSequenceViolation = errors.New("source sequence violation")

// globalCheckInterval is the number of applied events between full
// zero-sum and aggregate sweeps.
const globalCheckInterval = 1000

// PayloadEncoder renders an event into the replayable wire form stored in the log
type PayloadEncoder func(event.Event) ([]byte, error)

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	ledger            *ledger.Ledger
	validator         *ledger.InvariantValidator
	store             *state.Store
	lending           *lending.Engine
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	encode            PayloadEncoder

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	replaying        bool
	sinceGlobalCheck int
}

// CoreOutput is everything downstream workers need for one committed event
type CoreOutput struct {
	Envelope    *event.EventEnvelope
	Batch       *ledger.Batch
	StateDelta  []byte
	Vault       *state.Vault
	Position    *state.Position
	Liquidation *state.LiquidationRecord
	Balances    map[ledger.AccountKey]int64 // post-event balances of touched accounts
}

// Receipt reports the outcome of one submitted event
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Rejected  bool // sequenced event logged without effect
	Result    lending.Result
}

func NewDeterministicCore(
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()
	l := ledger.NewLedger(balanceTracker)
	store := state.NewStore()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		ledger:            l,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		store:             store,
		lending:           lending.NewEngine(store, l),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// SetPayloadEncoder installs the wire encoder used for envelope payloads
func (c *DeterministicCore) SetPayloadEncoder(enc PayloadEncoder) {
	c.encode = enc
}

// AttachDBChecker enables the Postgres idempotency tier
func (c *DeterministicCore) AttachDBChecker(db DBIdempotencyChecker) {
	c.idempotency.SetDBChecker(db)
}

// ProcessEvent is the main processing pipeline.
// A rejected unsequenced event consumes no global sequence and is not marked
// processed, so the caller may retry it. A rejected sequenced event still
// settles its source sequence: the rejection is logged without effect and
// replays to the same outcome.
func (c *DeterministicCore) ProcessEvent(ctx context.Context, evt event.Event) (*Receipt, error) {
	receipt, err := c.process(ctx, evt)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// process returns a receipt alongside the error when a rejection was logged.
func (c *DeterministicCore) process(ctx context.Context, evt event.Event) (*Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	sourceSequence := evt.SourceSequence()
	if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return nil, fmt.Errorf("%w: %v", ErrSequenceViolation, err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return &Receipt{Duplicate: true}, nil
	}

	// Step 3: Dispatch through the ledger port; roll back on rejection
	timestamp := evt.OccurredAt().UnixMicro()
	c.ledger.Begin(idempotencyKey, c.sequence, timestamp)

	result, err := c.dispatchEvent(ctx, evt, timestamp)
	if err != nil {
		c.ledger.Rollback()
		reason := rejectReason(err)
		c.reject(eventType, reason)
		if sourceSequence == 0 || isTransient(err) {
			return nil, err
		}
		return c.settle(evt, partition, nil, nil, reason, start), err
	}
	batch := c.ledger.Commit()
	changes := result.Committed()

	// Step 4: Validate batch (already applied by the port)
	if len(batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.validator.ValidateTouchedAccounts(batch); err != nil {
			panic(fmt.Sprintf("FATAL: negative balance: %v", err))
		}
	}

	// Step 5: Post-checks
	if err := c.postCheckInvariants(changes); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	receipt := c.settle(evt, partition, batch, changes, "", start)
	receipt.Result = result
	return receipt, nil
}

// isTransient reports rejections caused by the caller's context rather than
// by state; they are not logged since replay could not reproduce them.
func isTransient(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// settle hashes, emits and marks one event that consumes a global sequence.
// A non-empty rejection records a sequenced event that changed nothing.
func (c *DeterministicCore) settle(
	evt event.Event,
	partition string,
	batch *ledger.Batch,
	changes *lending.Changes,
	rejection string,
	start time.Time,
) *Receipt {
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 6: State hash
	balances := c.touchedBalances(batch)
	var stateDigest []byte
	if rejection != "" {
		stateDigest = append([]byte{'R'}, rejection...)
	} else {
		stateDigest = c.computeStateDigest(balances, changes)
	}
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, stateDigest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		VaultID:        evt.VaultID(),
		Timestamp:      evt.OccurredAt(),
		SourceSequence: evt.SourceSequence(),
		Rejection:      rejection,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	// Step 7: Emit outputs (skipped while replaying the log)
	if !c.replaying {
		if c.encode != nil {
			payload, err := c.encode(evt)
			if err != nil {
				panic(fmt.Sprintf("FATAL: encode committed event %s: %v", idempotencyKey, err))
			}
			envelope.Payload = payload
		}

		output := CoreOutput{
			Envelope:   envelope,
			Batch:      batch,
			StateDelta: stateDigest,
			Balances:   balances,
		}
		if changes != nil {
			output.Vault, output.Position, output.Liquidation = changes.Vault, changes.Position, changes.Liquidation
		}

		// Persistence: blocking send. The core stalls until the persistence
		// worker drains, so no committed event is lost.
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}

		// Projections: non-blocking send, dropped on full. Projection workers
		// can rebuild from the event log if they fall behind.
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 8: Settle the source sequence and mark as processed (add to LRU)
	c.sequenceValidator.Advance(partition, evt.SourceSequence())
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	receipt := &Receipt{Sequence: c.sequence, StateHash: stateHash, Rejected: rejection != ""}
	c.sequence++

	if c.metrics != nil {
		if rejection == "" {
			c.recordApplied(eventType, batch, changes)
		}
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	return receipt
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if vaultID := evt.VaultID(); vaultID != nil {
		return fmt.Sprintf("vault:%s", *vaultID)
	}
	return "global"
}

func (c *DeterministicCore) dispatchEvent(ctx context.Context, evt event.Event, ts int64) (lending.Result, error) {
	switch e := evt.(type) {
	case *event.VaultCreated:
		return c.lending.CreateVault(ctx, lending.CreateVaultRequest{
			Owner:              e.Owner,
			Name:               e.Name,
			CollateralRatioBps: e.CollateralRatioBps,
			StableAsset:        e.StableAsset,
			Timestamp:          ts,
		})
	case *event.LiquiditySupplied:
		return c.lending.SupplyLiquidity(ctx, lending.SupplyLiquidityRequest{
			Caller:    e.Caller,
			Vault:     state.VaultKey{Owner: e.VaultOwner, Name: e.VaultName},
			Amount:    e.Amount,
			Timestamp: ts,
		})
	case *event.AccountFunded:
		return c.handleAccountFunded(ctx, e)
	case *event.DepositRequested:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Deposit(ctx, lending.DepositRequest{
			Caller: e.Caller, Position: key, Amount: e.Amount, UnitValue: e.UnitValue, Timestamp: ts,
		})
	case *event.BorrowRequested:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Borrow(ctx, lending.BorrowRequest{
			Caller: e.Caller, Position: key, Amount: e.Amount, Timestamp: ts,
		})
	case *event.RepayRequested:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Repay(ctx, lending.RepayRequest{
			Caller: e.Caller, Position: key, Amount: e.Amount, Timestamp: ts,
		})
	case *event.WithdrawRequested:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Withdraw(ctx, lending.WithdrawRequest{
			Caller: e.Caller, Position: key, Amount: e.Amount, Timestamp: ts,
		})
	case *event.LiquidateRequested:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Liquidate(ctx, lending.LiquidateRequest{
			LiquidationID: e.RequestID, Liquidator: e.Liquidator, Position: key, Timestamp: ts,
		})
	case *event.CollateralRevalued:
		key, err := positionKey(e.PositionRef)
		if err != nil {
			return nil, err
		}
		return c.lending.Revalue(ctx, lending.RevalueRequest{
			Position: key, UnitValue: e.UnitValue, Timestamp: ts,
		})
	default:
		return nil, fmt.Errorf("%w: unknown event type %T", lending.ErrInvalidParameter, evt)
	}
}

// handleAccountFunded credits an external inflow to the user's wallet
func (c *DeterministicCore) handleAccountFunded(ctx context.Context, evt *event.AccountFunded) (lending.Result, error) {
	assetID, ok := ledger.GetAssetID(evt.Asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", lending.ErrInvalidParameter, evt.Asset)
	}
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive, got %d", lending.ErrInvalidParameter, evt.Amount)
	}

	ins := ledger.Instruction{
		Type:   ledger.JournalTypeFunding,
		Asset:  assetID,
		Amount: evt.Amount,
		From:   ledger.NewExternalAccountKey(assetID),
		To:     ledger.NewWalletAccountKey(evt.UserID, assetID),
	}
	if err := c.ledger.Transfer(ctx, ins); err != nil {
		if errors.Is(err, fpmath.ErrOverflow) {
			return nil, fmt.Errorf("%w: funding %s: %v", lending.ErrArithmeticOverflow, evt.UserID, err)
		}
		return nil, &lending.TransferError{Reason: err}
	}
	return &lending.Changes{Transfers: []ledger.Instruction{ins}}, nil
}

func positionKey(ref event.PositionRef) (state.PositionKey, error) {
	assetID, ok := ledger.GetAssetID(ref.CollateralAsset)
	if !ok {
		return state.PositionKey{}, fmt.Errorf("%w: unknown collateral asset %q", lending.ErrInvalidParameter, ref.CollateralAsset)
	}
	return state.PositionKey{
		User:            ref.User,
		Vault:           state.VaultKey{Owner: ref.VaultOwner, Name: ref.VaultName},
		CollateralAsset: assetID,
	}, nil
}

// touchedBalances returns the post-event balance of every account in the batch
func (c *DeterministicCore) touchedBalances(batch *ledger.Batch) map[ledger.AccountKey]int64 {
	balances := make(map[ledger.AccountKey]int64)
	if batch == nil {
		return balances
	}
	for _, j := range batch.Journals {
		balances[j.DebitAccount] = c.balanceTracker.GetBalance(j.DebitAccount)
		balances[j.CreditAccount] = c.balanceTracker.GetBalance(j.CreditAccount)
	}
	return balances
}

// computeStateDigest creates canonical bytes for the state hash:
// touched balances in path order, then the committed records.
func (c *DeterministicCore) computeStateDigest(balances map[ledger.AccountKey]int64, changes *lending.Changes) []byte {
	accounts := make([]ledger.AccountKey, 0, len(balances))
	for key := range balances {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+256)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, balances[key])
	}

	if changes.Vault != nil {
		digest = append(digest, 'V')
		digest = append(digest, changes.Vault.CanonicalBytes()...)
	}
	if changes.Position != nil {
		digest = append(digest, 'P')
		digest = append(digest, changes.Position.CanonicalBytes()...)
	}
	if changes.Liquidation != nil {
		digest = append(digest, 'L')
		digest = append(digest, changes.Liquidation.CanonicalBytes()...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after the event is committed
func (c *DeterministicCore) postCheckInvariants(changes *lending.Changes) error {
	if changes.Vault != nil {
		if err := c.store.CheckAggregates(changes.Vault.Key); err != nil {
			return err
		}
	}

	c.sinceGlobalCheck++
	if c.sinceGlobalCheck >= globalCheckInterval {
		c.sinceGlobalCheck = 0
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
		if err := c.store.CheckAllAggregates(); err != nil {
			return err
		}
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, batch *ledger.Batch, changes *lending.Changes) {
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	for _, j := range batch.Journals {
		c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		asset, _ := ledger.GetAssetName(j.AssetID)
		c.metrics.LendingVolume.WithLabelValues(j.JournalType.String(), asset).Add(float64(j.Amount))
	}
	if v := changes.Vault; v != nil {
		c.metrics.VaultBorrowed.WithLabelValues(v.Key.String()).Set(float64(v.TotalBorrowed))
		c.metrics.VaultCollateralValue.WithLabelValues(v.Key.String()).Set(float64(v.TotalCollateralValue))
	}
	if l := changes.Liquidation; l != nil {
		asset, _ := ledger.GetAssetName(l.Position.CollateralAsset)
		c.metrics.LiquidationsTotal.WithLabelValues(l.Position.Vault.String()).Inc()
		c.metrics.LiquidatedCollateral.WithLabelValues(asset).Add(float64(l.SeizedCollateral))
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, lending.ErrInactiveVault):
		return "inactive_vault"
	case errors.Is(err, lending.ErrInvalidParameter):
		return "invalid_parameter"
	case errors.Is(err, lending.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, lending.ErrExceedsCollateralRatio):
		return "exceeds_collateral_ratio"
	case errors.Is(err, lending.ErrOutstandingDebt):
		return "outstanding_debt"
	case errors.Is(err, lending.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, lending.ErrHealthyPosition):
		return "healthy_position"
	case errors.Is(err, lending.ErrArithmeticOverflow):
		return "arithmetic_overflow"
	case errors.Is(err, lending.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, lending.ErrVaultNotFound), errors.Is(err, lending.ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, lending.ErrVaultExists):
		return "already_exists"
	default:
		return "other"
	}
}

// --- Accessors (core goroutine only; use Dispatcher.Read elsewhere) ---

// GetSequence returns the next global sequence number to assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}

func (c *DeterministicCore) Store() *state.Store {
	return c.store
}

func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}
