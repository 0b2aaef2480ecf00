package reward_engine

import "errors"

// Failure kinds are sentinels so keepers can tell "retry later" conditions
// (slippage, threshold) apart from misconfiguration with errors.Is.
var (
	// Access control.
	ErrUnauthorized    = errors.New("caller not authorized")
	ErrNotOwner        = errors.New("caller is not the protocol owner")
	ErrBadSettleOrigin = errors.New("settlement callback from unknown origin")
	ErrNoFlushInFlight = errors.New("settlement callback outside a flush")

	// Configuration state.
	ErrNoConversionPool    = errors.New("conversion pool not set")
	ErrBadCurrencyOrder    = errors.New("conversion pool must list the reward token first")
	ErrBpsOutOfRange       = errors.New("bps out of range")
	ErrTokenNotWhitelisted = errors.New("reward token not whitelisted")

	// Economic guards.
	ErrSlippage           = errors.New("conversion output below minimum")
	ErrZeroAmount         = errors.New("amount must be positive")
	ErrBelowDustThreshold = errors.New("pending conversion below dust threshold")

	// Accounting state.
	ErrNothingPending      = errors.New("nothing pending to claim")
	ErrPoolNotRegistered   = errors.New("pool not registered")
	ErrPoolExists          = errors.New("pool already registered")
	ErrPositionNotFound    = errors.New("position not found")
	ErrConversionUnsettled = errors.New("conversion swap did not settle")
)
