package anchoring

import (
	"fmt"

	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// UTXO is a single unspent output available to fund an anchoring transaction,
// as reported by a Bitcoin RPC endpoint's listunspent.
type UTXO struct {
	TxID   chainhash.Hash
	Vout   uint32
	Amount int64 // satoshis
}

// ProposedTx is an unsigned anchoring transaction paired with the data a
// validator needs to produce its own signature for every input.
type ProposedTx struct {
	Tx           *wire.MsgTx
	RedeemScript []byte
	Inputs       []UTXO // parallel to Tx.TxIn, in the same order
}

// BuildAnchoringTx constructs an unsigned transaction that spends the given
// UTXOs of the anchoring multisig address, pays the remaining value to addr
// (the same address for a regular anchor, the following configuration's
// address for a config transition), and carries the anchoring payload in an
// OP_RETURN output.
//
// It fails with ErrNoInputs if given no inputs at all, or ErrInsufficientFunds
// if the selected inputs minus the estimated fee leave less than the dust
// threshold; callers are expected
// to pass in enough UTXOs (selection is the caller's — typically the
// controller's — responsibility).
func BuildAnchoringTx(inputs []UTXO, redeemScript []byte, addr *btcutil.AddressScriptHash, payload AnchoringPayload, feeRateSatPerVByte int64) (*ProposedTx, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = config.LockTimeNone

	var total int64
	for _, u := range inputs {
		outpoint := wire.NewOutPoint(&u.TxID, u.Vout)
		in := wire.NewTxIn(outpoint, nil, nil)
		in.Sequence = config.SequenceFinal
		tx.AddTxIn(in)
		total += u.Amount
	}

	payToAddr, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("building pay-to-address script: %w", err)
	}

	opReturnScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(EncodePayload(payload)).
		Script()
	if err != nil {
		return nil, fmt.Errorf("building OP_RETURN script: %w", err)
	}

	threshold, err := thresholdFromRedeemScript(redeemScript)
	if err != nil {
		return nil, err
	}
	fee := EstimateFee(len(inputs), threshold, len(redeemScript), feeRateSatPerVByte)
	change := total - fee
	if change < config.DustThresholdSats {
		return nil, fmt.Errorf("%w: total %d sats, fee %d sats leaves %d change below dust threshold",
			ErrInsufficientFunds, total, fee, change)
	}

	tx.AddTxOut(wire.NewTxOut(change, payToAddr))
	tx.AddTxOut(wire.NewTxOut(0, opReturnScript))

	return &ProposedTx{Tx: tx, RedeemScript: redeemScript, Inputs: inputs}, nil
}

// EstimateFee computes a deterministic fee for an m-of-n multisig anchoring
// transaction with the given input count, threshold and redeem script size,
// at the given fee rate. Every validator computing this from the same
// inputs arrives at the same fee, so the transaction they sign is
// byte-identical.
//
// The per-input weight assumes every required signature is full-size DER;
// real signatures are usually a byte or two shorter, so this slightly
// overestimates vsize, which is safe (it never produces a below-relay-fee
// transaction).
func EstimateFee(numInputs, threshold, redeemScriptLen int, feeRateSatPerVByte int64) int64 {
	vsize := EstimateInputVSize(numInputs, threshold, redeemScriptLen) +
		config.TxOverheadVBytes +
		config.MultisigOutputVBytes +
		config.OpReturnOutputBaseVBytes + config.PayloadLength
	return int64(vsize) * feeRateSatPerVByte
}

// EstimateInputVSize bounds the serialized size of numInputs multisig
// scriptSigs, each carrying the OP_0 dummy plus threshold signatures and the
// pushed redeem script.
func EstimateInputVSize(numInputs, threshold, redeemScriptLen int) int {
	perInput := config.BaseInputVBytes +
		1 + // OP_0 dummy for the CHECKMULTISIG off-by-one bug
		threshold*config.SigPushVBytes +
		redeemScriptLen + config.RedeemScriptPushVBytes
	return numInputs * perInput
}

// thresholdFromRedeemScript recovers the required signature count (m) from
// a bare multisig redeem script OP_m <keys...> OP_n OP_CHECKMULTISIG.
func thresholdFromRedeemScript(redeemScript []byte) (int, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, redeemScript)
	if !tokenizer.Next() {
		return 0, fmt.Errorf("%w: empty redeem script", ErrMalformedTx)
	}
	op := tokenizer.Opcode()
	if op < txscript.OP_1 || op > txscript.OP_16 {
		return 0, fmt.Errorf("%w: redeem script does not start with a small-int threshold push", ErrMalformedTx)
	}
	return int(op-txscript.OP_1) + 1, nil
}
