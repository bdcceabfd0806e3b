package btcclient

import (
	"errors"
	"testing"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

func testAddr(t *testing.T) btcutil.Address {
	t.Helper()
	addr, err := btcutil.NewAddressScriptHash([]byte("redeem-script-stand-in"), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("NewAddressScriptHash() error = %v", err)
	}
	return addr
}

func TestScripted_ListUnspent(t *testing.T) {
	s := NewScripted()
	addr := testAddr(t)

	utxos := []anchoring.UTXO{{TxID: chainhash.HashH([]byte("utxo")), Vout: 0, Amount: 1000}}
	s.SetUnspent(addr, utxos)

	got, err := s.ListUnspent(addr)
	if err != nil {
		t.Fatalf("ListUnspent() error = %v", err)
	}
	if len(got) != 1 || got[0].Amount != 1000 {
		t.Errorf("ListUnspent() = %+v, want %+v", got, utxos)
	}
}

func TestScripted_SendAndGetRawTransaction(t *testing.T) {
	s := NewScripted()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))

	txid, err := s.SendRawTransaction(tx)
	if err != nil {
		t.Fatalf("SendRawTransaction() error = %v", err)
	}
	if txid != tx.TxHash() {
		t.Errorf("SendRawTransaction() txid = %s, want %s", txid, tx.TxHash())
	}

	got, err := s.GetRawTransaction(txid)
	if err != nil {
		t.Fatalf("GetRawTransaction() error = %v", err)
	}
	if got.TxHash() != tx.TxHash() {
		t.Error("GetRawTransaction() returned a different transaction")
	}

	if len(s.Broadcasts()) != 1 {
		t.Errorf("Broadcasts() = %d, want 1", len(s.Broadcasts()))
	}
}

func TestScripted_GetRawTransaction_Unknown(t *testing.T) {
	s := NewScripted()
	if _, err := s.GetRawTransaction(chainhash.HashH([]byte("unknown"))); !errors.Is(err, ErrNoInformation) {
		t.Errorf("got %v, want ErrNoInformation", err)
	}
}

func TestScripted_SendError(t *testing.T) {
	s := NewScripted()
	want := errors.New("simulated network failure")
	s.SetSendError(want)

	tx := wire.NewMsgTx(wire.TxVersion)
	if _, err := s.SendRawTransaction(tx); !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}

	// error is one-shot; a retry should succeed.
	if _, err := s.SendRawTransaction(tx); err != nil {
		t.Errorf("retry should succeed, got %v", err)
	}
}
