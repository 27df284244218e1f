package app

import "errors"

var (
	// ErrNotFound is returned when the referenced script, user or request
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned when a debit would take the balance
	// below zero. The balance is never mutated in that case.
	ErrInsufficientFunds = errors.New("insufficient coins")

	// ErrPremiumRequired is returned when a month listing is requested
	// without an active subscription.
	ErrPremiumRequired = errors.New("month listings require an active subscription")

	ErrInvalidDuration = errors.New("duration must be day, week or month")
	ErrInvalidTier     = errors.New("unknown subscription tier")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5 stars")
	ErrInvalidReason   = errors.New("unknown report reason")
	ErrInvalidEvent    = errors.New("event type must be view or download")

	ErrSelfFollow = errors.New("cannot follow yourself")
	ErrForbidden  = errors.New("not the owner")

	// ErrRequirementsNotMet is returned when a verification request is made
	// before the follower and engagement thresholds are reached.
	ErrRequirementsNotMet = errors.New("verification requirements not met")
	// ErrAlreadyPending is returned when a verification request is already
	// awaiting review.
	ErrAlreadyPending = errors.New("verification request already pending")
)
