package anchoring

import "errors"

// Sentinel errors for the anchoring domain.
var (
	ErrMalformedTx            = errors.New("malformed bitcoin transaction")
	ErrBadPayloadVersion      = errors.New("unsupported anchoring payload version")
	ErrPayloadNotFound        = errors.New("no anchoring payload in transaction outputs")
	ErrNotEnoughKeys          = errors.New("not enough public keys for multisig script")
	ErrBadThreshold           = errors.New("threshold out of range for key count")
	ErrUnknownValidator       = errors.New("validator index not present in config")
	ErrNoInputs               = errors.New("no inputs supplied to build an anchoring transaction")
	ErrInsufficientFunds      = errors.New("insufficient unspent funding to cover output and fee")
	ErrAlreadySigned          = errors.New("validator has already signed this proposal")
	ErrBadSignature           = errors.New("signature does not verify against redeem script")
	ErrUnexpectedProposalTxId = errors.New("message tx id does not match the currently proposed transaction")
	ErrFundingSpent           = errors.New("funding transaction already recorded as spent")
	ErrFundingMismatch        = errors.New("funding transaction does not pay the anchoring address")
	ErrNoQuorum               = errors.New("not enough matching LECT reports for consensus")
	ErrTxNotFound             = errors.New("bitcoin transaction not found")
)
