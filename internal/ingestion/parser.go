package ingestion

import (
	"VaultLedger/internal/event"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var ErrUnknownEventType = errors.New("ingestion: unknown event type")

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a typed event.Event.
// The same decoder is used for NATS messages and for event log replay, so
// every payload written by EncodeEvent must decode back to an equal event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeVaultCreated:
		return parseVaultCreated(raw.Data)
	case event.EventTypeLiquiditySupplied:
		return parseLiquiditySupplied(raw.Data)
	case event.EventTypeAccountFunded:
		return parseAccountFunded(raw.Data)
	case event.EventTypeDepositRequested:
		return parseDepositRequested(raw.Data)
	case event.EventTypeBorrowRequested:
		return parseBorrowRequested(raw.Data)
	case event.EventTypeRepayRequested:
		return parseRepayRequested(raw.Data)
	case event.EventTypeWithdrawRequested:
		return parseWithdrawRequested(raw.Data)
	case event.EventTypeLiquidateRequested:
		return parseLiquidateRequested(raw.Data)
	case event.EventTypeCollateralRevalued:
		return parseCollateralRevalued(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type headerJSON struct {
	RequestID   string `json:"request_id"`
	Sequence    int64  `json:"sequence,omitempty"`
	TimestampUs int64  `json:"timestamp_us"`
}

type vaultRefJSON struct {
	VaultOwner string `json:"vault_owner"`
	VaultName  string `json:"vault_name"`
}

type positionRefJSON struct {
	vaultRefJSON
	UserID          string `json:"user_id"`
	CollateralAsset string `json:"collateral_asset"`
}

type vaultCreatedJSON struct {
	headerJSON
	Owner              string `json:"owner"`
	Name               string `json:"name"`
	CollateralRatioBps int64  `json:"collateral_ratio_bps"`
	StableAsset        string `json:"stable_asset"`
}

type liquiditySuppliedJSON struct {
	headerJSON
	vaultRefJSON
	Caller string `json:"caller"`
	Amount int64  `json:"amount"`
}

type accountFundedJSON struct {
	headerJSON
	UserID string `json:"user_id"`
	Asset  string `json:"asset"`
	Amount int64  `json:"amount"`
}

// positionOpJSON covers deposit, borrow, repay and withdraw.
type positionOpJSON struct {
	headerJSON
	positionRefJSON
	Caller    string `json:"caller"`
	Amount    int64  `json:"amount"`
	UnitValue int64  `json:"unit_value,omitempty"`
}

type liquidateJSON struct {
	headerJSON
	positionRefJSON
	Liquidator string `json:"liquidator"`
}

type revaluedJSON struct {
	headerJSON
	positionRefJSON
	UnitValue int64 `json:"unit_value"`
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

func (j headerJSON) decode() (event.Header, error) {
	id, err := parseUUID("request_id", j.RequestID)
	if err != nil {
		return event.Header{}, err
	}
	return event.Header{RequestID: id, Sequence: j.Sequence, Timestamp: j.TimestampUs}, nil
}

func (j vaultRefJSON) decode() (event.VaultRef, error) {
	owner, err := parseUUID("vault_owner", j.VaultOwner)
	if err != nil {
		return event.VaultRef{}, err
	}
	return event.VaultRef{VaultOwner: owner, VaultName: j.VaultName}, nil
}

func (j positionRefJSON) decode() (event.PositionRef, error) {
	vault, err := j.vaultRefJSON.decode()
	if err != nil {
		return event.PositionRef{}, err
	}
	user, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return event.PositionRef{}, err
	}
	return event.PositionRef{VaultRef: vault, User: user, CollateralAsset: j.CollateralAsset}, nil
}

func encodeHeader(h event.Header) headerJSON {
	return headerJSON{RequestID: h.RequestID.String(), Sequence: h.Sequence, TimestampUs: h.Timestamp}
}

func encodeVaultRef(v event.VaultRef) vaultRefJSON {
	return vaultRefJSON{VaultOwner: v.VaultOwner.String(), VaultName: v.VaultName}
}

func encodePositionRef(p event.PositionRef) positionRefJSON {
	return positionRefJSON{
		vaultRefJSON:    encodeVaultRef(p.VaultRef),
		UserID:          p.User.String(),
		CollateralAsset: p.CollateralAsset,
	}
}

func parseVaultCreated(data []byte) (*event.VaultCreated, error) {
	var j vaultCreatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse VaultCreated: %w", err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return nil, err
	}
	owner, err := parseUUID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.VaultCreated{
		Header:             h,
		Owner:              owner,
		Name:               j.Name,
		CollateralRatioBps: j.CollateralRatioBps,
		StableAsset:        j.StableAsset,
	}, nil
}

func parseLiquiditySupplied(data []byte) (*event.LiquiditySupplied, error) {
	var j liquiditySuppliedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquiditySupplied: %w", err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return nil, err
	}
	ref, err := j.vaultRefJSON.decode()
	if err != nil {
		return nil, err
	}
	caller, err := parseUUID("caller", j.Caller)
	if err != nil {
		return nil, err
	}
	return &event.LiquiditySupplied{Header: h, VaultRef: ref, Caller: caller, Amount: j.Amount}, nil
}

func parseAccountFunded(data []byte) (*event.AccountFunded, error) {
	var j accountFundedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse AccountFunded: %w", err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return nil, err
	}
	user, err := parseUUID("user_id", j.UserID)
	if err != nil {
		return nil, err
	}
	return &event.AccountFunded{Header: h, UserID: user, Asset: j.Asset, Amount: j.Amount}, nil
}

// decodePositionOp parses the shape shared by the four owner-side position operations.
func decodePositionOp(name string, data []byte) (event.Header, event.PositionRef, uuid.UUID, positionOpJSON, error) {
	var j positionOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, j, fmt.Errorf("parse %s: %w", name, err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, j, err
	}
	ref, err := j.positionRefJSON.decode()
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, j, err
	}
	caller, err := parseUUID("caller", j.Caller)
	if err != nil {
		return event.Header{}, event.PositionRef{}, uuid.Nil, j, err
	}
	return h, ref, caller, j, nil
}

func parseDepositRequested(data []byte) (*event.DepositRequested, error) {
	h, ref, caller, j, err := decodePositionOp("DepositRequested", data)
	if err != nil {
		return nil, err
	}
	return &event.DepositRequested{Header: h, PositionRef: ref, Caller: caller, Amount: j.Amount, UnitValue: j.UnitValue}, nil
}

func parseBorrowRequested(data []byte) (*event.BorrowRequested, error) {
	h, ref, caller, j, err := decodePositionOp("BorrowRequested", data)
	if err != nil {
		return nil, err
	}
	return &event.BorrowRequested{Header: h, PositionRef: ref, Caller: caller, Amount: j.Amount}, nil
}

func parseRepayRequested(data []byte) (*event.RepayRequested, error) {
	h, ref, caller, j, err := decodePositionOp("RepayRequested", data)
	if err != nil {
		return nil, err
	}
	return &event.RepayRequested{Header: h, PositionRef: ref, Caller: caller, Amount: j.Amount}, nil
}

func parseWithdrawRequested(data []byte) (*event.WithdrawRequested, error) {
	h, ref, caller, j, err := decodePositionOp("WithdrawRequested", data)
	if err != nil {
		return nil, err
	}
	return &event.WithdrawRequested{Header: h, PositionRef: ref, Caller: caller, Amount: j.Amount}, nil
}

func parseLiquidateRequested(data []byte) (*event.LiquidateRequested, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse LiquidateRequested: %w", err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return nil, err
	}
	ref, err := j.positionRefJSON.decode()
	if err != nil {
		return nil, err
	}
	liquidator, err := parseUUID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	return &event.LiquidateRequested{Header: h, PositionRef: ref, Liquidator: liquidator}, nil
}

func parseCollateralRevalued(data []byte) (*event.CollateralRevalued, error) {
	var j revaluedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CollateralRevalued: %w", err)
	}
	h, err := j.headerJSON.decode()
	if err != nil {
		return nil, err
	}
	ref, err := j.positionRefJSON.decode()
	if err != nil {
		return nil, err
	}
	return &event.CollateralRevalued{Header: h, PositionRef: ref, UnitValue: j.UnitValue}, nil
}

// EncodeEvent renders evt in the wire format ParseRawEvent accepts.
// The core stores this payload in the event log for replay.
func EncodeEvent(evt event.Event) ([]byte, error) {
	var wire any
	switch e := evt.(type) {
	case *event.VaultCreated:
		wire = vaultCreatedJSON{
			headerJSON:         encodeHeader(e.Header),
			Owner:              e.Owner.String(),
			Name:               e.Name,
			CollateralRatioBps: e.CollateralRatioBps,
			StableAsset:        e.StableAsset,
		}
	case *event.LiquiditySupplied:
		wire = liquiditySuppliedJSON{
			headerJSON:   encodeHeader(e.Header),
			vaultRefJSON: encodeVaultRef(e.VaultRef),
			Caller:       e.Caller.String(),
			Amount:       e.Amount,
		}
	case *event.AccountFunded:
		wire = accountFundedJSON{
			headerJSON: encodeHeader(e.Header),
			UserID:     e.UserID.String(),
			Asset:      e.Asset,
			Amount:     e.Amount,
		}
	case *event.DepositRequested:
		wire = positionOp(e.Header, e.PositionRef, e.Caller, e.Amount, e.UnitValue)
	case *event.BorrowRequested:
		wire = positionOp(e.Header, e.PositionRef, e.Caller, e.Amount, 0)
	case *event.RepayRequested:
		wire = positionOp(e.Header, e.PositionRef, e.Caller, e.Amount, 0)
	case *event.WithdrawRequested:
		wire = positionOp(e.Header, e.PositionRef, e.Caller, e.Amount, 0)
	case *event.LiquidateRequested:
		wire = liquidateJSON{
			headerJSON:      encodeHeader(e.Header),
			positionRefJSON: encodePositionRef(e.PositionRef),
			Liquidator:      e.Liquidator.String(),
		}
	case *event.CollateralRevalued:
		wire = revaluedJSON{
			headerJSON:      encodeHeader(e.Header),
			positionRefJSON: encodePositionRef(e.PositionRef),
			UnitValue:       e.UnitValue,
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, evt)
	}
	return json.Marshal(wire)
}

func positionOp(h event.Header, ref event.PositionRef, caller uuid.UUID, amount, unitValue int64) positionOpJSON {
	return positionOpJSON{
		headerJSON:      encodeHeader(h),
		positionRefJSON: encodePositionRef(ref),
		Caller:          caller.String(),
		Amount:          amount,
		UnitValue:       unitValue,
	}
}
