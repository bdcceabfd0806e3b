package anchoring

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// MsgSignature carries one validator's signatures over every input of the
// anchoring transaction proposed for a given height. TxBytes binds the
// message to a specific proposal — the author signs over it, so a
// signature set can't be replayed against a different (but same-height)
// proposal — and AuthorPubKey/AuthorSignature authenticate the message as
// coming from the validator it claims to be from.
type MsgSignature struct {
	ValidatorIndex  int              `json:"validator_index"`
	Height          uint64           `json:"height"`
	AuthorPubKey    string           `json:"author_pubkey"`
	TxBytes         string           `json:"tx_bytes"` // hex-encoded unsigned proposal tx
	Signatures      []InputSignature `json:"signatures"`
	AuthorSignature []byte           `json:"author_signature"`
}

// NewSignatureMessage builds an authenticated MsgSignature for signatures
// already produced over proposal by validatorIndex.
func NewSignatureMessage(priv *btcec.PrivateKey, validatorIndex int, height uint64, proposal *ProposedTx, signatures []InputSignature) (MsgSignature, error) {
	txBytes := encodeTxHex(proposal.Tx)
	digest := authorDigest(validatorIndex, height, txBytes)
	authorSig, err := signAuthorDigest(priv, digest)
	if err != nil {
		return MsgSignature{}, err
	}
	return MsgSignature{
		ValidatorIndex:  validatorIndex,
		Height:          height,
		AuthorPubKey:    hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		TxBytes:         txBytes,
		Signatures:      signatures,
		AuthorSignature: authorSig,
	}, nil
}

// authorDigest hashes the fields of a message an author signs over, binding
// the signature to a specific validator, height, and proposed transaction.
func authorDigest(validatorIndex int, height uint64, txHex string) chainhash.Hash {
	buf := make([]byte, 12, 12+len(txHex))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(validatorIndex))
	binary.LittleEndian.PutUint64(buf[4:12], height)
	buf = append(buf, txHex...)
	return chainhash.HashH(buf)
}

func signAuthorDigest(priv *btcec.PrivateKey, digest chainhash.Hash) ([]byte, error) {
	sig := ecdsa.Sign(priv, digest[:])
	return sig.Serialize(), nil
}

func verifyAuthorDigest(pub *btcec.PublicKey, digest chainhash.Hash, sigBytes []byte) error {
	if len(sigBytes) == 0 {
		return fmt.Errorf("%w: empty author signature", ErrBadSignature)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: parsing author signature: %v", ErrBadSignature, err)
	}
	if !sig.Verify(digest[:], pub) {
		return fmt.Errorf("%w: author signature does not verify", ErrBadSignature)
	}
	return nil
}

// MsgUpdateLatest carries a validator's current view of the anchoring
// address's chain tip on Bitcoin (its LECT).
type MsgUpdateLatest struct {
	ValidatorIndex int    `json:"validator_index"`
	TxID           string `json:"txid"`
}

// MsgFunding announces a transaction that pays the anchoring multisig
// address, proposed by one validator as new spendable funding. The third
// ServiceTx variant alongside the signature and LECT update messages.
type MsgFunding struct {
	AuthorPubKey    string `json:"author_pubkey"`
	ValidatorIndex  int    `json:"validator_index"`
	TxHex           string `json:"tx_hex"`
	AuthorSignature []byte `json:"author_signature"`
}

// ServiceTx is the anchoring service's message sum type: exactly one of
// its fields is set.
type ServiceTx struct {
	Signature    *MsgSignature    `json:"signature,omitempty"`
	UpdateLatest *MsgUpdateLatest `json:"update_latest,omitempty"`
	Funding      *MsgFunding      `json:"funding,omitempty"`
}

// HandleSignature authenticates msg as genuinely coming from the validator
// it claims to be, checks its embedded tx bytes match the currently
// proposed transaction, verifies every contained input signature, and only
// then records them in the pool.
func HandleSignature(pool *SignaturePool, proposal *ProposedTx, keys *PublicKeySet, msg MsgSignature) error {
	if msg.ValidatorIndex < 0 || msg.ValidatorIndex >= len(keys.Keys) {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, msg.ValidatorIndex)
	}

	pubBytes, err := hex.DecodeString(msg.AuthorPubKey)
	if err != nil {
		return fmt.Errorf("%w: decoding author pubkey: %v", ErrBadSignature, err)
	}
	authorKey, err := btcec.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: parsing author pubkey: %v", ErrBadSignature, err)
	}
	if !authorKey.IsEqual(keys.Keys[msg.ValidatorIndex].PubKey()) {
		return fmt.Errorf("%w: author pubkey does not match validator %d's configured key", ErrBadSignature, msg.ValidatorIndex)
	}

	digest := authorDigest(msg.ValidatorIndex, msg.Height, msg.TxBytes)
	if err := verifyAuthorDigest(authorKey, digest, msg.AuthorSignature); err != nil {
		return err
	}

	msgTx, err := decodeTxHex(msg.TxBytes)
	if err != nil {
		return fmt.Errorf("%w: decoding embedded proposal tx: %v", ErrMalformedTx, err)
	}
	if msgTx.TxHash() != proposal.Tx.TxHash() {
		return fmt.Errorf("%w: message carries tx %s, current proposal is %s",
			ErrUnexpectedProposalTxId, msgTx.TxHash(), proposal.Tx.TxHash())
	}

	if len(msg.Signatures) != len(proposal.Tx.TxIn) {
		return fmt.Errorf("%w: got %d signatures for %d inputs", ErrMalformedTx, len(msg.Signatures), len(proposal.Tx.TxIn))
	}

	for _, sig := range msg.Signatures {
		if sig.ValidatorIndex != msg.ValidatorIndex {
			return fmt.Errorf("%w: signature validator index %d does not match message validator %d",
				ErrMalformedTx, sig.ValidatorIndex, msg.ValidatorIndex)
		}
		if err := VerifyInputSignature(proposal, keys, sig); err != nil {
			return fmt.Errorf("input %d: %w", sig.InputIndex, err)
		}
	}

	for _, sig := range msg.Signatures {
		if err := pool.Add(sig); err != nil {
			return err
		}
	}
	return nil
}

// HandleUpdateLatest records a validator's reported LECT in the schema.
func HandleUpdateLatest(schema *Schema, msg MsgUpdateLatest) error {
	return schema.SetLect(msg.ValidatorIndex, msg.TxID)
}

// HandleFunding validates and applies a funding announcement: the
// transaction must pay the anchoring address exactly and must not already
// be recorded as spent.
func HandleFunding(schema *Schema, addr *btcutil.AddressScriptHash, msg MsgFunding) error {
	tx, err := decodeTxHex(msg.TxHex)
	if err != nil {
		return err
	}

	txid := tx.TxHash().String()
	spent, err := schema.IsFundingSpent(txid)
	if err != nil {
		return err
	}
	if spent {
		return fmt.Errorf("%w: %s", ErrFundingSpent, txid)
	}

	payToAddr, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("building expected pay-to-address script: %w", err)
	}

	var matched []FundingUTXO
	for vout, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, payToAddr) {
			matched = append(matched, FundingUTXO{TxID: txid, Vout: uint32(vout), Amount: out.Value})
		}
	}
	if len(matched) == 0 {
		return fmt.Errorf("%w: %s pays no output to the anchoring address", ErrFundingMismatch, txid)
	}

	existing, err := schema.UnspentFunding()
	if err != nil {
		return err
	}
	if err := schema.SetUnspentFunding(append(existing, matched...)); err != nil {
		return err
	}
	return schema.MarkFundingSpent(txid)
}
