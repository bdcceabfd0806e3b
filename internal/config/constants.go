package config

import "time"

// Validator set bounds.
const (
	MaxValidators = 32 // practical ceiling on an anchoring multisig's n
	MinThreshold  = 1
)

// Anchoring payload (OP_RETURN) layout.
const (
	PayloadVersion    byte = 0x01
	PayloadKindAnchor byte = 0x00
	PayloadLength          = 1 + 1 + 8 + 32 // version + kind + height + block hash
)

// Bitcoin transaction construction.
const (
	DustThresholdSats   = 1000
	DefaultFeeRateSats  = 10 // sat/vByte, overridden by Config.TransactionFee
	LockTimeNone        = 0
	SequenceFinal       = 0xFFFFFFFF
)

// Multisig input vsize model (non-witness P2SH multisig spend), used by the
// builder's deterministic fee calculation. These are upper-bound weight
// units for an m-of-n redeem script sized generously for n up to
// MaxValidators; see builder.go EstimateInputVSize for the derivation.
const (
	TxOverheadVBytes        = 10 // version + locktime + input/output counts
	BaseInputVBytes         = 41 // outpoint(36) + sequence(4) + scriptSig length byte(1)
	SigPushVBytes           = 73 // DER signature (up to 72 bytes) + push opcode
	RedeemScriptPushVBytes  = 3  // redeem script push overhead: OP_PUSHDATA2 + 2-byte length, one upper bound for every n
	PubKeyVBytes            = 34 // compressed pubkey(33) + push opcode(1)
	MultisigOutputVBytes    = 32 // P2SH output: value(8) + script len(1) + script(23)
	OpReturnOutputBaseVBytes = 11 // value(8) + script len(1) + OP_RETURN(1) + push opcode(1)
)

// Anchoring controller pacing.
const (
	RebroadcastAfterBlocks = 3  // permissioned-chain blocks to wait before re-broadcasting
	MinLectConfirmations   = 1
)

// RPC.
const (
	RPCRequestTimeout = 15 * time.Second
	RPCMaxRetries     = 3
)

// Logging.
const (
	LogDir         = "./logs"
	LogFilePattern = "anchord-%s-%s.log" // date, level
	LogMaxAgeDays  = 30
)

// Store.
const (
	StorePath = "./data/anchord.sqlite"
)

// Admin API.
const (
	ServerPort         = 8090
	ServerReadTimeout  = 15 * time.Second
	ServerWriteTimeout = 15 * time.Second
)
