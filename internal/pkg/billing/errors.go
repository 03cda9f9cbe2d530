package billing

import "errors"

var (
	// ErrDuplicateDelivery means the idempotency key is already in the ledger.
	ErrDuplicateDelivery = errors.New("notification already processed")
	// ErrMalformedPayload means decoding failed or a required field is absent.
	ErrMalformedPayload = errors.New("malformed notification payload")
	// ErrInvalidSignature means the provider signature or sender could not be verified.
	ErrInvalidSignature = errors.New("invalid notification signature")
	// ErrUnresolvedSubscription means neither the store nor the mapping resolver knows the key.
	ErrUnresolvedSubscription = errors.New("no subscription or user for external identifier")
	// ErrDuplicateSubscription means a concurrent delivery created the row first.
	ErrDuplicateSubscription = errors.New("subscription already exists for external identifier")
	// ErrTxConflict means the unit of work lost a lock race (deadlock or lock wait
	// timeout) and can be rerun.
	ErrTxConflict = errors.New("transaction conflict")
)
