package anchoring

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/mr-tron/base58"
)

// encodeTxHex serializes a transaction to lowercase hex, the wire format
// used everywhere anchoring transactions cross a process boundary (schema
// storage, RPC broadcast, message payloads).
func encodeTxHex(tx *wire.MsgTx) string {
	var buf bytes.Buffer
	// wire.MsgTx.Serialize never fails for a well-formed in-memory tx.
	_ = tx.Serialize(&buf)
	return hex.EncodeToString(buf.Bytes())
}

// decodeTxHex parses a transaction from the hex wire format produced by encodeTxHex.
func decodeTxHex(s string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	return tx, nil
}

// shortTxID renders a transaction id as a short base58 fingerprint for log
// lines, independent of btcutil's network-specific address base58 codec
// used elsewhere for addresses.
func shortTxID(txid chainhash.Hash) string {
	encoded := base58.Encode(txid[:8])
	if len(encoded) > 11 {
		encoded = encoded[:11]
	}
	return encoded
}
