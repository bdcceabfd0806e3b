package anchoring

import (
	"fmt"

	"github.com/anchorlabs/btcanchor/internal/anchoring/btcclient"
	"github.com/anchorlabs/btcanchor/internal/keys"
	"github.com/anchorlabs/btcanchor/internal/store"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Fixture wires up a small multi-validator anchoring network backed by a
// single shared Scripted Bitcoin client and one Schema per validator, for
// exercising controller and message-handling scenarios end to end without
// a live node or a real multi-process network.
type Fixture struct {
	Net       *chaincfg.Params
	Keys      *PublicKeySet
	Addr      *btcutil.AddressScriptHash
	Client    *btcclient.Scripted
	Threshold int

	Validators []*FixtureValidator
}

// FixtureValidator is one node's view of the anchoring instance: its own
// signing key, its own schema projection, and a controller wired to the
// fixture's shared Bitcoin client.
type FixtureValidator struct {
	Index      int
	Priv       *btcec.PrivateKey
	Schema     *Schema
	Controller *Controller
}

// NewFixture builds a fixture for numValidators nodes requiring threshold
// signatures, each deriving its key from the one given mnemonic at its own
// HD child index (the validator index), against an
// isolated in-memory-backed store per validator and a shared scripted
// Bitcoin client.
func NewFixture(mnemonic string, numValidators, threshold int, net *chaincfg.Params, interval uint64, feeRateSat int64) (*Fixture, error) {
	seed, err := keys.MnemonicToSeed(mnemonic)
	if err != nil {
		return nil, err
	}
	master, err := keys.DeriveMasterKey(seed, net)
	if err != nil {
		return nil, err
	}

	hexKeys := make([]string, numValidators)
	privs := make([]*btcec.PrivateKey, numValidators)
	for i := 0; i < numValidators; i++ {
		priv, err := keys.DeriveValidatorKey(master, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("deriving validator %d key: %w", i, err)
		}
		privs[i] = priv
		hexKeys[i] = fmt.Sprintf("%x", priv.PubKey().SerializeCompressed())
	}

	keySet, err := NewPublicKeySet(hexKeys, threshold, net)
	if err != nil {
		return nil, err
	}
	addr, err := keySet.Address(net)
	if err != nil {
		return nil, err
	}

	client := btcclient.NewScripted()

	fixture := &Fixture{
		Net:       net,
		Keys:      keySet,
		Addr:      addr,
		Client:    client,
		Threshold: threshold,
	}

	for i := 0; i < numValidators; i++ {
		s, err := store.Open(":memory:")
		if err != nil {
			return nil, fmt.Errorf("opening store for validator %d: %w", i, err)
		}
		schema := NewSchema(s, "fixture")
		if err := schema.SetActualConfig(AnchoringConfig{
			ValidatorKeys: hexKeys,
			Threshold:     threshold,
		}); err != nil {
			return nil, err
		}

		controller := NewController("fixture", schema, net, i, privs[i], client, feeRateSat, interval)
		fixture.Validators = append(fixture.Validators, &FixtureValidator{
			Index:      i,
			Priv:       privs[i],
			Schema:     schema,
			Controller: controller,
		})
	}

	return fixture, nil
}

// FundWith scripts the shared client's listunspent response for the
// fixture's anchoring address — the bootstrap funding path a fresh
// anchoring address takes before any MsgFunding has reached the network.
func (f *Fixture) FundWith(utxos []UTXO) {
	f.Client.SetUnspent(f.Addr, utxos)
}

// FundViaMessage builds a transaction paying the fixture's anchoring
// address and delivers it to every validator as a MsgFunding announcement,
// exercising the same path a real funding gossip message takes and landing
// the funding in each validator's own schema rather than the scripted
// client's listunspent response.
func (f *Fixture) FundViaMessage(amount int64) error {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	payToAddr, err := txscript.PayToAddrScript(f.Addr)
	if err != nil {
		return err
	}
	tx.AddTxOut(wire.NewTxOut(amount, payToAddr))

	author := f.Validators[0]
	msg := MsgFunding{
		AuthorPubKey:   fmt.Sprintf("%x", author.Priv.PubKey().SerializeCompressed()),
		ValidatorIndex: author.Index,
		TxHex:          encodeTxHex(tx),
	}
	for _, v := range f.Validators {
		if err := v.Controller.ReceiveFunding(msg); err != nil {
			return fmt.Errorf("validator %d ReceiveFunding: %w", v.Index, err)
		}
	}
	return nil
}

// BroadcastHeight drives HandleBlock for every validator at the given
// height and block hash, then exchanges every validator's resulting
// anchor and config-transition signatures, and its current LECT, with
// every other validator — simulating the permissioned chain's consensus
// delivering each node's messages to all nodes. Returns the first error
// encountered, if any.
func (f *Fixture) BroadcastHeight(height uint64, blockHash [32]byte) error {
	var anchorSigs, transitionSigs []MsgSignature

	for _, v := range f.Validators {
		if err := v.Controller.HandleBlock(height, blockHash); err != nil {
			return fmt.Errorf("validator %d HandleBlock: %w", v.Index, err)
		}
		if proposal, ok := v.Controller.proposals[height]; ok {
			sigs, err := SignProposal(v.Priv, v.Index, proposal)
			if err != nil {
				return err
			}
			msg, err := NewSignatureMessage(v.Priv, v.Index, height, proposal, sigs)
			if err != nil {
				return err
			}
			anchorSigs = append(anchorSigs, msg)
		}
		if proposal := v.Controller.transitionProposal; proposal != nil {
			sigs, err := SignProposal(v.Priv, v.Index, proposal)
			if err != nil {
				return err
			}
			msg, err := NewSignatureMessage(v.Priv, v.Index, 0, proposal, sigs)
			if err != nil {
				return err
			}
			transitionSigs = append(transitionSigs, msg)
		}
	}

	for _, v := range f.Validators {
		for _, msg := range anchorSigs {
			if msg.ValidatorIndex == v.Index {
				continue // already has its own signature from HandleBlock
			}
			if err := v.Controller.ReceiveSignature(msg); err != nil {
				return fmt.Errorf("validator %d ReceiveSignature from %d: %w", v.Index, msg.ValidatorIndex, err)
			}
		}
		for _, msg := range transitionSigs {
			if msg.ValidatorIndex == v.Index {
				continue
			}
			if err := v.Controller.ReceiveSignature(msg); err != nil {
				return fmt.Errorf("validator %d ReceiveSignature (transition) from %d: %w", v.Index, msg.ValidatorIndex, err)
			}
		}
	}

	for _, v := range f.Validators {
		lect, found, err := v.Schema.Lect(v.Index)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		for _, peer := range f.Validators {
			if peer.Index == v.Index {
				continue
			}
			if err := HandleUpdateLatest(peer.Schema, MsgUpdateLatest{ValidatorIndex: v.Index, TxID: lect}); err != nil {
				return err
			}
		}
	}

	return nil
}
