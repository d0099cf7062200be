package server

import (
	"VaultLedger/internal/event"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/observability"
	"VaultLedger/internal/query"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/status"
)

// Reader is the projection read side the query methods serve from.
type Reader interface {
	GetVault(ctx context.Context, owner uuid.UUID, name string) (*query.VaultResponse, error)
	GetPosition(ctx context.Context, userID, vaultOwner uuid.UUID, vaultName, collateralAsset string) (*query.PositionResponse, error)
	ListUserPositions(ctx context.Context, userID uuid.UUID) ([]query.PositionResponse, error)
	GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*query.BalanceResponse, error)
	ListLiquidations(ctx context.Context, vaultOwner uuid.UUID, vaultName string, limit int, before *int64) ([]query.LiquidationResponse, error)
	GetJournalHistory(ctx context.Context, userID uuid.UUID, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
}

// LendingService turns API requests into core events and serves reads
// from the projections. Commands wait for the core's decision.
type LendingService struct {
	ingest  ingestion.Submitter
	reader  Reader
	admin   AdminGate
	metrics *observability.Metrics
}

func NewLendingService(ingest ingestion.Submitter, reader Reader, admin AdminGate, metrics *observability.Metrics) *LendingService {
	return &LendingService{ingest: ingest, reader: reader, admin: admin, metrics: metrics}
}

// observe records the call and converts err to a status error.
func observe(m *observability.Metrics, method string, start time.Time, err *error) {
	*err = toStatus(*err)
	if m == nil {
		return
	}
	m.QueryRequests.WithLabelValues(method).Inc()
	m.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if *err != nil {
		m.QueryErrors.WithLabelValues(method, status.Code(*err).String()).Inc()
	}
}

// --- identity helpers ---

func parseID(field, raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, invalidArgument("%s is required", field)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidArgument("invalid %s: %v", field, err)
	}
	return id, nil
}

func parseRequestID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, nil
	}
	return parseID("request_id", raw)
}

// resolveCaller picks the acting identity. With auth enabled it is the
// token subject and a conflicting claimed identity is rejected. Without
// auth the claimed identity is trusted, falling back to fallback.
func resolveCaller(ctx context.Context, claimed, fallback string) (uuid.UUID, error) {
	if p, ok := PrincipalFrom(ctx); ok {
		if claimed != "" && claimed != p.Subject.String() {
			return uuid.Nil, fmt.Errorf("%w: caller %s is authenticated as %s", lending.ErrUnauthorized, claimed, p.Subject)
		}
		return p.Subject, nil
	}
	if claimed == "" {
		claimed = fallback
	}
	return parseID("caller", claimed)
}

// AdminGate decides who may call operator-only commands. An authenticated
// caller needs the admin flag. Without auth every caller is refused
// unless Open is set.
type AdminGate struct {
	Open bool
}

func (g AdminGate) require(ctx context.Context) error {
	p, ok := PrincipalFrom(ctx)
	switch {
	case ok && !p.Admin:
		return fmt.Errorf("%w: %s is not an operator", lending.ErrUnauthorized, p.Subject)
	case !ok && !g.Open:
		return fmt.Errorf("%w: operator commands are closed while auth is disabled", lending.ErrUnauthorized)
	}
	return nil
}

func positionRef(k PositionKey) (event.PositionRef, error) {
	owner, err := parseID("vault_owner", k.VaultOwner)
	if err != nil {
		return event.PositionRef{}, err
	}
	user, err := parseID("user_id", k.UserID)
	if err != nil {
		return event.PositionRef{}, err
	}
	return event.PositionRef{
		VaultRef:        event.VaultRef{VaultOwner: owner, VaultName: k.VaultName},
		User:            user,
		CollateralAsset: k.CollateralAsset,
	}, nil
}

func (s *LendingService) submit(ctx context.Context, evt event.Event) (*CommandResponse, error) {
	receipt, err := s.ingest.Submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	return commandResponse(receipt), nil
}

// --- commands ---

func (s *LendingService) CreateVault(ctx context.Context, req *CreateVaultRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "CreateVault", time.Now(), &err)

	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	ownerRaw := req.Owner
	if p, ok := PrincipalFrom(ctx); ok {
		if ownerRaw == "" {
			ownerRaw = p.Subject.String()
		}
		if ownerRaw != p.Subject.String() && !p.Admin {
			return nil, fmt.Errorf("%w: cannot create a vault for %s", lending.ErrUnauthorized, ownerRaw)
		}
	}
	owner, err := parseID("owner", ownerRaw)
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, &event.VaultCreated{
		Header:             event.Header{RequestID: rid},
		Owner:              owner,
		Name:               req.Name,
		CollateralRatioBps: req.CollateralRatioBps,
		StableAsset:        req.StableAsset,
	})
}

func (s *LendingService) SupplyLiquidity(ctx context.Context, req *SupplyLiquidityRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "SupplyLiquidity", time.Now(), &err)

	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("vault_owner", req.VaultOwner)
	if err != nil {
		return nil, err
	}
	caller, err := resolveCaller(ctx, req.Caller, req.VaultOwner)
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, &event.LiquiditySupplied{
		Header:   event.Header{RequestID: rid},
		VaultRef: event.VaultRef{VaultOwner: owner, VaultName: req.VaultName},
		Caller:   caller,
		Amount:   req.Amount,
	})
}

func (s *LendingService) FundAccount(ctx context.Context, req *FundAccountRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "FundAccount", time.Now(), &err)

	if err := s.admin.require(ctx); err != nil {
		return nil, err
	}
	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	user, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, &event.AccountFunded{
		Header: event.Header{RequestID: rid},
		UserID: user,
		Asset:  req.Asset,
		Amount: req.Amount,
	})
}

// positionCommand holds what deposit, borrow, repay and withdraw share.
func (s *LendingService) positionCommand(ctx context.Context, req *PositionRequest) (event.Header, event.PositionRef, uuid.UUID, error) {
	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, err
	}
	ref, err := positionRef(req.PositionKey)
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, err
	}
	caller, err := resolveCaller(ctx, req.Caller, req.UserID)
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, err
	}
	return event.Header{RequestID: rid}, ref, caller, nil
}

func (s *LendingService) Deposit(ctx context.Context, req *PositionRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Deposit", time.Now(), &err)

	hdr, ref, caller, err := s.positionCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.DepositRequested{
		Header: hdr, PositionRef: ref, Caller: caller,
		Amount: req.Amount, UnitValue: req.UnitValue,
	})
}

func (s *LendingService) Borrow(ctx context.Context, req *PositionRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Borrow", time.Now(), &err)

	hdr, ref, caller, err := s.positionCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.BorrowRequested{Header: hdr, PositionRef: ref, Caller: caller, Amount: req.Amount})
}

func (s *LendingService) Repay(ctx context.Context, req *PositionRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Repay", time.Now(), &err)

	hdr, ref, caller, err := s.positionCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.RepayRequested{Header: hdr, PositionRef: ref, Caller: caller, Amount: req.Amount})
}

func (s *LendingService) Withdraw(ctx context.Context, req *PositionRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Withdraw", time.Now(), &err)

	hdr, ref, caller, err := s.positionCommand(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, &event.WithdrawRequested{Header: hdr, PositionRef: ref, Caller: caller, Amount: req.Amount})
}

func (s *LendingService) Liquidate(ctx context.Context, req *LiquidateRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Liquidate", time.Now(), &err)

	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	ref, err := positionRef(req.PositionKey)
	if err != nil {
		return nil, err
	}
	// Anyone may liquidate, so there is no fallback to the position owner
	liquidator, err := resolveCaller(ctx, req.Liquidator, "")
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, &event.LiquidateRequested{
		Header:      event.Header{RequestID: rid},
		PositionRef: ref,
		Liquidator:  liquidator,
	})
}

func (s *LendingService) Revalue(ctx context.Context, req *RevalueRequest) (resp *CommandResponse, err error) {
	defer observe(s.metrics, "Revalue", time.Now(), &err)

	if err := s.admin.require(ctx); err != nil {
		return nil, err
	}
	rid, err := parseRequestID(req.RequestID)
	if err != nil {
		return nil, err
	}
	ref, err := positionRef(req.PositionKey)
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, &event.CollateralRevalued{
		Header:      event.Header{RequestID: rid},
		PositionRef: ref,
		UnitValue:   req.UnitValue,
	})
}

// --- queries ---

func (s *LendingService) GetVault(ctx context.Context, req *GetVaultRequest) (resp *query.VaultResponse, err error) {
	defer observe(s.metrics, "GetVault", time.Now(), &err)

	owner, err := parseID("owner", req.Owner)
	if err != nil {
		return nil, err
	}
	return s.reader.GetVault(ctx, owner, req.Name)
}

func (s *LendingService) GetPosition(ctx context.Context, req *GetPositionRequest) (resp *query.PositionResponse, err error) {
	defer observe(s.metrics, "GetPosition", time.Now(), &err)

	ref, err := positionRef(req.PositionKey)
	if err != nil {
		return nil, err
	}
	return s.reader.GetPosition(ctx, ref.User, ref.VaultOwner, ref.VaultName, ref.CollateralAsset)
}

func (s *LendingService) ListUserPositions(ctx context.Context, req *ListUserPositionsRequest) (resp *ListUserPositionsResponse, err error) {
	defer observe(s.metrics, "ListUserPositions", time.Now(), &err)

	user, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	positions, err := s.reader.ListUserPositions(ctx, user)
	if err != nil {
		return nil, err
	}
	return &ListUserPositionsResponse{Positions: positions}, nil
}

func (s *LendingService) GetBalance(ctx context.Context, req *GetBalanceRequest) (resp *query.BalanceResponse, err error) {
	defer observe(s.metrics, "GetBalance", time.Now(), &err)

	user, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	if req.Asset == "" {
		return nil, invalidArgument("asset is required")
	}
	return s.reader.GetBalance(ctx, user, req.Asset)
}

func (s *LendingService) ListLiquidations(ctx context.Context, req *ListLiquidationsRequest) (resp *ListLiquidationsResponse, err error) {
	defer observe(s.metrics, "ListLiquidations", time.Now(), &err)

	owner, err := parseID("vault_owner", req.VaultOwner)
	if err != nil {
		return nil, err
	}
	history, err := s.reader.ListLiquidations(ctx, owner, req.VaultName, req.Limit, req.Before)
	if err != nil {
		return nil, err
	}
	return &ListLiquidationsResponse{Liquidations: history}, nil
}

func (s *LendingService) ListJournals(ctx context.Context, req *ListJournalsRequest) (resp *ListJournalsResponse, err error) {
	defer observe(s.metrics, "ListJournals", time.Now(), &err)

	user, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}
	entries, err := s.reader.GetJournalHistory(ctx, user, req.Limit, req.After)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: entries}, nil
}
