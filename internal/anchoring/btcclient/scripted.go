package btcclient

import (
	"fmt"
	"sync"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Scripted is a deterministic, in-memory stand-in for a Bitcoin node, so a
// test runs without a live regtest node. The test sets its state up front
// (the UTXOs per address and the transactions the node knows) and every
// call answers from that state; it does not queue per-call responses.
type Scripted struct {
	mu sync.Mutex

	unspentByAddr map[string][]anchoring.UTXO
	broadcast     []*wire.MsgTx
	known         map[chainhash.Hash]*wire.MsgTx
	hidden        map[chainhash.Hash]bool
	sendErr       error
	hideNext      bool
}

// NewScripted returns an empty scripted client.
func NewScripted() *Scripted {
	return &Scripted{
		unspentByAddr: make(map[string][]anchoring.UTXO),
		known:         make(map[chainhash.Hash]*wire.MsgTx),
		hidden:        make(map[chainhash.Hash]bool),
	}
}

// SetUnspent scripts the UTXOs ListUnspent returns for addr.
func (s *Scripted) SetUnspent(addr btcutil.Address, utxos []anchoring.UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unspentByAddr[addr.EncodeAddress()] = utxos
}

// SetSendError makes the next SendRawTransaction call fail with err; the
// call after it succeeds again.
func (s *Scripted) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// KnowTransaction seeds the scripted mempool/chain view so GetRawTransaction can answer for it.
func (s *Scripted) KnowTransaction(tx *wire.MsgTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known[tx.TxHash()] = tx
}

// HideNextBroadcast makes the next SendRawTransaction accept the
// transaction (recording it in Broadcasts) without making it visible to
// GetRawTransaction, simulating a node that accepted a transaction into its
// mempool but hasn't confirmed or relayed it back yet. Later broadcasts of
// the same transaction leave it hidden; Reveal makes it visible again, as
// if it had since confirmed.
func (s *Scripted) HideNextBroadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideNext = true
}

// Reveal makes a previously hidden broadcast transaction answerable by
// GetRawTransaction again.
func (s *Scripted) Reveal(tx *wire.MsgTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hidden, tx.TxHash())
	s.known[tx.TxHash()] = tx
}

// Broadcasts returns every transaction handed to SendRawTransaction, in call order.
func (s *Scripted) Broadcasts() []*wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.MsgTx, len(s.broadcast))
	copy(out, s.broadcast)
	return out
}

// ListUnspent implements anchoring.BitcoinClient.
func (s *Scripted) ListUnspent(addr btcutil.Address) ([]anchoring.UTXO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unspentByAddr[addr.EncodeAddress()], nil
}

// SendRawTransaction implements anchoring.BitcoinClient.
func (s *Scripted) SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		err := s.sendErr
		s.sendErr = nil
		return chainhash.Hash{}, err
	}
	s.broadcast = append(s.broadcast, tx)
	txid := tx.TxHash()
	if s.hideNext {
		s.hideNext = false
		s.hidden[txid] = true
	} else if !s.hidden[txid] {
		s.known[txid] = tx
	}
	return txid, nil
}

// GetRawTransaction implements anchoring.BitcoinClient.
func (s *Scripted) GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.known[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", anchoring.ErrTxNotFound, ErrNoInformation, txid)
	}
	return tx, nil
}
