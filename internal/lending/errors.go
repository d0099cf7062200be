package lending

import "errors"

var (
	ErrInactiveVault          = errors.New("lending: vault is not active")
	ErrInvalidParameter       = errors.New("lending: invalid parameter")
	ErrUnauthorized           = errors.New("lending: unauthorized")
	ErrExceedsCollateralRatio = errors.New("lending: borrow exceeds collateral ratio")
	ErrOutstandingDebt        = errors.New("lending: outstanding debt")
	ErrInsufficientCollateral = errors.New("lending: insufficient collateral")
	ErrHealthyPosition        = errors.New("lending: position is healthy")
	ErrArithmeticOverflow     = errors.New("lending: arithmetic overflow")
	ErrTransferFailed         = errors.New("lending: transfer failed")
	ErrVaultNotFound          = errors.New("lending: vault not found")
	ErrVaultExists            = errors.New("lending: vault already exists")
	ErrPositionNotFound       = errors.New("lending: position not found")
)

// TransferError carries the port's failure reason unchanged.
// errors.Is matches both ErrTransferFailed and the reason itself.
type TransferError struct {
	Reason error
}

func (e *TransferError) Error() string {
	return "lending: transfer failed: " + e.Reason.Error()
}

func (e *TransferError) Unwrap() error {
	return e.Reason
}

func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}
