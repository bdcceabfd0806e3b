// Package anchoring implements the Bitcoin anchoring service: deriving the
// validator set's joint multisig address, building and signing anchoring
// transactions, and running the controller that drives a node's anchoring
// decisions from the permissioned chain's block stream.
package anchoring

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// PublicKeySet is the ordered set of validator Bitcoin public keys that
// defines a multisig configuration. Order is significant: it determines the
// redeem script and therefore the derived address.
type PublicKeySet struct {
	Keys      []*btcutil.AddressPubKey
	Threshold int
}

// NewPublicKeySet parses hex compressed-SEC1 public keys into a threshold
// key set, validating threshold and key count bounds.
func NewPublicKeySet(hexKeys []string, threshold int, net *chaincfg.Params) (*PublicKeySet, error) {
	if len(hexKeys) == 0 {
		return nil, ErrNotEnoughKeys
	}
	if threshold < config.MinThreshold || threshold > len(hexKeys) {
		return nil, fmt.Errorf("%w: k=%d n=%d", ErrBadThreshold, threshold, len(hexKeys))
	}

	keys := make([]*btcutil.AddressPubKey, len(hexKeys))
	for i, hexKey := range hexKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("parsing validator %d public key: %w", i, err)
		}
		addrKey, err := btcutil.NewAddressPubKey(raw, net)
		if err != nil {
			return nil, fmt.Errorf("validator %d is not a valid public key: %w", i, err)
		}
		keys[i] = addrKey
	}

	return &PublicKeySet{Keys: keys, Threshold: threshold}, nil
}

// RedeemScript builds the m-of-n bare multisig redeem script for this key
// set, in the fixed key order it was constructed with.
func (ks *PublicKeySet) RedeemScript() ([]byte, error) {
	script, err := txscript.MultiSigScript(ks.Keys, ks.Threshold)
	if err != nil {
		return nil, fmt.Errorf("building multisig redeem script: %w", err)
	}
	return script, nil
}

// Address derives the P2SH address that the redeem script pays to — the
// anchoring chain's joint Bitcoin address for this configuration.
func (ks *PublicKeySet) Address(net *chaincfg.Params) (*btcutil.AddressScriptHash, error) {
	redeem, err := ks.RedeemScript()
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.NewAddressScriptHash(redeem, net)
	if err != nil {
		return nil, fmt.Errorf("deriving P2SH address: %w", err)
	}
	return addr, nil
}

// AnchoringPayload is the decoded content of an anchoring transaction's
// OP_RETURN output: a fixed-width pointer from Bitcoin back to a specific
// permissioned-chain block.
type AnchoringPayload struct {
	Kind      byte
	Height    uint64
	BlockHash chainhash.Hash
}

// EncodePayload serializes an anchoring payload to the wire format recorded
// in an OP_RETURN output: version(1) || kind(1) || height_le(8) || hash(32).
func EncodePayload(p AnchoringPayload) []byte {
	buf := make([]byte, config.PayloadLength)
	buf[0] = config.PayloadVersion
	buf[1] = p.Kind
	binary.LittleEndian.PutUint64(buf[2:10], p.Height)
	copy(buf[10:42], p.BlockHash[:])
	return buf
}

// DecodePayload parses the OP_RETURN payload format written by EncodePayload.
func DecodePayload(raw []byte) (AnchoringPayload, error) {
	if len(raw) != config.PayloadLength {
		return AnchoringPayload{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedTx, len(raw), config.PayloadLength)
	}
	if raw[0] != config.PayloadVersion {
		return AnchoringPayload{}, fmt.Errorf("%w: got %d, want %d", ErrBadPayloadVersion, raw[0], config.PayloadVersion)
	}

	var p AnchoringPayload
	p.Kind = raw[1]
	p.Height = binary.LittleEndian.Uint64(raw[2:10])
	copy(p.BlockHash[:], raw[10:42])
	return p, nil
}

// ExtractPayload scans a parsed transaction's outputs for the first
// OP_RETURN output carrying a well-formed anchoring payload.
func ExtractPayload(outputs [][]byte) (AnchoringPayload, error) {
	for _, pkScript := range outputs {
		data, ok := opReturnData(pkScript)
		if !ok {
			continue
		}
		payload, err := DecodePayload(data)
		if err != nil {
			continue
		}
		return payload, nil
	}
	return AnchoringPayload{}, ErrPayloadNotFound
}

// opReturnData extracts the pushed data from an OP_RETURN script, if any.
func opReturnData(pkScript []byte) ([]byte, bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() {
		return nil, false
	}
	return tokenizer.Data(), true
}
