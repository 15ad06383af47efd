package payment

import "errors"

// Domain-level error values returned by the payment components.
var (
	ErrUnknownProvider         = errors.New("unknown provider")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidPhoneNumber      = errors.New("invalid phone number")
	ErrInvalidTransactionUID   = errors.New("invalid transaction uid")
	ErrDuplicateTransactionUID = errors.New("duplicate transaction uid")
	ErrPurchaseNotFound        = errors.New("purchase not found")
	ErrInvalidPurchaseStatus   = errors.New("invalid purchase status")
	ErrInvalidOutcome          = errors.New("invalid outcome")
	ErrInvalidPricing          = errors.New("invalid pricing")
	ErrInvalidFactoryConfig    = errors.New("invalid factory config")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrPurchaseNotFound)
}
