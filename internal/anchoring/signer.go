package anchoring

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// InputSignature is one validator's signature over one input of a proposed
// anchoring transaction, in canonical DER with the sighash type byte
// already appended.
type InputSignature struct {
	ValidatorIndex int
	InputIndex     int
	DER            []byte
}

// SignProposal produces this validator's signature over every input of a
// proposed transaction, using the legacy (pre-segwit) signature hash: each
// input's scriptSig is empty, and it signs against the shared redeem
// script standing in for the previous output's pkScript.
func SignProposal(priv *btcec.PrivateKey, validatorIndex int, proposal *ProposedTx) ([]InputSignature, error) {
	sigs := make([]InputSignature, len(proposal.Tx.TxIn))
	for i := range proposal.Tx.TxIn {
		sighash, err := txscript.CalcSignatureHash(proposal.RedeemScript, txscript.SigHashAll, proposal.Tx, i)
		if err != nil {
			return nil, fmt.Errorf("computing sighash for input %d: %w", i, err)
		}

		sig := ecdsa.Sign(priv, sighash)
		der := append(sig.Serialize(), byte(txscript.SigHashAll))

		sigs[i] = InputSignature{ValidatorIndex: validatorIndex, InputIndex: i, DER: der}
	}
	return sigs, nil
}

// VerifyInputSignature checks that a claimed signature for one input is
// SIGHASH_ALL and verifies against the public key belonging to the
// signature's claimed validator index — never against the key set at
// large, so one validator cannot resubmit its own signature under
// another validator's claimed index to fake distinct quorum.
func VerifyInputSignature(proposal *ProposedTx, keys *PublicKeySet, sig InputSignature) error {
	if sig.InputIndex < 0 || sig.InputIndex >= len(proposal.Tx.TxIn) {
		return fmt.Errorf("%w: input index %d out of range", ErrMalformedTx, sig.InputIndex)
	}
	if sig.ValidatorIndex < 0 || sig.ValidatorIndex >= len(keys.Keys) {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, sig.ValidatorIndex)
	}

	sighash, err := txscript.CalcSignatureHash(proposal.RedeemScript, txscript.SigHashAll, proposal.Tx, sig.InputIndex)
	if err != nil {
		return fmt.Errorf("computing sighash for input %d: %w", sig.InputIndex, err)
	}

	if len(sig.DER) == 0 {
		return fmt.Errorf("%w: empty signature", ErrBadSignature)
	}
	if sighashType := sig.DER[len(sig.DER)-1]; sighashType != byte(txscript.SigHashAll) {
		return fmt.Errorf("%w: sighash type 0x%02x, want SIGHASH_ALL", ErrBadSignature, sighashType)
	}
	parsed, err := ecdsa.ParseDERSignature(sig.DER[:len(sig.DER)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	key := keys.Keys[sig.ValidatorIndex]
	if !parsed.Verify(sighash, key.PubKey()) {
		return ErrBadSignature
	}
	return nil
}

// SignaturePool collects per-input signatures from validators as they
// arrive, until enough exist to finalize every input.
type SignaturePool struct {
	threshold int
	byInput   map[int]map[int]InputSignature // inputIndex -> validatorIndex -> sig
}

// NewSignaturePool creates an empty pool requiring threshold signatures per input.
func NewSignaturePool(threshold int) *SignaturePool {
	return &SignaturePool{threshold: threshold, byInput: make(map[int]map[int]InputSignature)}
}

// Add records a validator's signature for one input. Returns
// ErrAlreadySigned if that validator already has a signature for that input.
func (p *SignaturePool) Add(sig InputSignature) error {
	perInput, ok := p.byInput[sig.InputIndex]
	if !ok {
		perInput = make(map[int]InputSignature)
		p.byInput[sig.InputIndex] = perInput
	}
	if _, exists := perInput[sig.ValidatorIndex]; exists {
		return ErrAlreadySigned
	}
	perInput[sig.ValidatorIndex] = sig
	return nil
}

// Ready reports whether every input of numInputs has at least threshold
// distinct validator signatures.
func (p *SignaturePool) Ready(numInputs int) bool {
	for i := 0; i < numInputs; i++ {
		if len(p.byInput[i]) < p.threshold {
			return false
		}
	}
	return true
}

// Finalize assembles the scriptSig for every input from the first threshold
// signatures, ordered by ascending validator index for determinism, and
// returns a fully signed transaction ready to broadcast.
func (p *SignaturePool) Finalize(proposal *ProposedTx) (*wire.MsgTx, error) {
	tx := proposal.Tx.Copy()

	for i := range tx.TxIn {
		perInput := p.byInput[i]
		if len(perInput) < p.threshold {
			return nil, fmt.Errorf("%w: input %d has %d/%d signatures", ErrInsufficientFunds, i, len(perInput), p.threshold)
		}

		indices := make([]int, 0, len(perInput))
		for idx := range perInput {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		indices = indices[:p.threshold]

		builder := txscript.NewScriptBuilder().AddOp(txscript.OP_0)
		for _, idx := range indices {
			builder.AddData(perInput[idx].DER)
		}
		builder.AddData(proposal.RedeemScript)

		scriptSig, err := builder.Script()
		if err != nil {
			return nil, fmt.Errorf("building scriptSig for input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = scriptSig
	}

	return tx, nil
}
