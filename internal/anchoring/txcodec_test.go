package anchoring

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func TestEncodeDecodeTxHex_RoundTrip(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))

	encoded := encodeTxHex(tx)
	decoded, err := decodeTxHex(encoded)
	if err != nil {
		t.Fatalf("decodeTxHex() error = %v", err)
	}
	if decoded.TxHash() != tx.TxHash() {
		t.Error("decodeTxHex() round trip produced a different transaction")
	}
}

func TestShortTxID_Deterministic(t *testing.T) {
	txid := chainhash.HashH([]byte("some transaction"))
	a := shortTxID(txid)
	b := shortTxID(txid)
	if a != b {
		t.Errorf("shortTxID() not deterministic: %q != %q", a, b)
	}
	if len(a) == 0 {
		t.Error("shortTxID() returned empty string")
	}
}
