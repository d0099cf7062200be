package server

import (
	"VaultLedger/internal/core"
	"VaultLedger/internal/ingestion"
	"VaultLedger/internal/lending"
	"VaultLedger/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC status codes. The gateway turns
// the same codes into HTTP statuses.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, lending.ErrInvalidParameter),
		errors.Is(err, ingestion.ErrUnknownEventType),
		errors.Is(err, query.ErrUnknownAsset):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, lending.ErrUnauthorized):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, lending.ErrVaultNotFound),
		errors.Is(err, lending.ErrPositionNotFound),
		errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, lending.ErrVaultExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, lending.ErrInactiveVault),
		errors.Is(err, lending.ErrExceedsCollateralRatio),
		errors.Is(err, lending.ErrOutstandingDebt),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrHealthyPosition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, lending.ErrTransferFailed):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, lending.ErrArithmeticOverflow):
		return status.Error(codes.OutOfRange, err.Error())
	case errors.Is(err, core.ErrSequenceViolation):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, core.ErrDispatcherStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func invalidArgument(format string, args ...any) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}
