package anchoring

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// BitcoinClient is the subset of Bitcoin RPC behavior the controller needs
// to propose, broadcast and confirm anchoring transactions. btcclient.Client
// implements it against a live node; btcclient.Scripted implements it for
// deterministic tests.
type BitcoinClient interface {
	ListUnspent(addr btcutil.Address) ([]UTXO, error)
	SendRawTransaction(tx *wire.MsgTx) (chainhash.Hash, error)
	GetRawTransaction(txid chainhash.Hash) (*wire.MsgTx, error)
}

// pendingBroadcast tracks a transaction this node has sent to the node but
// not yet observed confirmed, so HandleBlock can rebroadcast it if it
// stalls. height is the anchoring height for a regular proposal, or 0 for
// a config transition transaction.
type pendingBroadcast struct {
	height            uint64
	txid              chainhash.Hash
	tx                *wire.MsgTx
	broadcastAtHeight uint64
}

// Controller drives one anchoring instance's per-node decision loop: when
// to propose a new anchoring transaction, how to accumulate signatures for
// it, when to finalize and broadcast, and how to recover the node's view
// of Bitcoin state once it has.
type Controller struct {
	instance       string
	schema         *Schema
	net            *chaincfg.Params
	validatorIndex int
	priv           *btcec.PrivateKey
	client         BitcoinClient
	feeRateSat     int64
	interval       uint64

	pools     map[uint64]*SignaturePool
	proposals map[uint64]*ProposedTx
	finalized map[uint64]bool

	transitionProposal *ProposedTx
	transitionPool     *SignaturePool

	pending    *pendingBroadcast
	lastHeight uint64
}

// NewController builds a controller for one anchoring instance.
func NewController(instance string, schema *Schema, net *chaincfg.Params, validatorIndex int, priv *btcec.PrivateKey, client BitcoinClient, feeRateSat int64, interval uint64) *Controller {
	return &Controller{
		instance:       instance,
		schema:         schema,
		net:            net,
		validatorIndex: validatorIndex,
		priv:           priv,
		client:         client,
		feeRateSat:     feeRateSat,
		interval:       interval,
		pools:          make(map[uint64]*SignaturePool),
		proposals:      make(map[uint64]*ProposedTx),
		finalized:      make(map[uint64]bool),
	}
}

// actualKeySet resolves the multisig configuration currently locking the
// anchoring address's unspent outputs. This is the key set every signature
// — for a regular anchor or for a config transition spending the old
// address's funds — must be verified and produced against, regardless of
// whether a following config is queued.
func (c *Controller) actualKeySet() (*PublicKeySet, error) {
	cfg, found, err := c.schema.ActualConfig()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no anchoring configuration set for instance %q", c.instance)
	}
	return NewPublicKeySet(cfg.ValidatorKeys, cfg.Threshold, c.net)
}

// destinationKeySet resolves the multisig configuration a config transition
// pays out to: the following config if one is queued, else the actual one.
func (c *Controller) destinationKeySet() (*PublicKeySet, error) {
	cfg, found, err := c.schema.FollowingConfig()
	if err != nil {
		return nil, err
	}
	if !found {
		return c.actualKeySet()
	}
	return NewPublicKeySet(cfg.ValidatorKeys, cfg.Threshold, c.net)
}

// CurrentAddress returns the Bitcoin address currently locking the
// instance's anchoring funds, for funding/monitoring callers outside the
// controller's own decision loop.
func (c *Controller) CurrentAddress() (*btcutil.AddressScriptHash, error) {
	keys, err := c.actualKeySet()
	if err != nil {
		return nil, err
	}
	return keys.Address(c.net)
}

// ReceiveFunding validates and applies an incoming funding announcement
// against the instance's current anchoring address.
func (c *Controller) ReceiveFunding(msg MsgFunding) error {
	addr, err := c.CurrentAddress()
	if err != nil {
		return err
	}
	return HandleFunding(c.schema, addr, msg)
}

// QueueFollowingConfig records a new multisig configuration to transition
// to. The next call to HandleBlock proposes the transition transaction
// once funding is available.
func (c *Controller) QueueFollowingConfig(cfg AnchoringConfig) error {
	if _, err := NewPublicKeySet(cfg.ValidatorKeys, cfg.Threshold, c.net); err != nil {
		return fmt.Errorf("rejecting following config: %w", err)
	}
	return c.schema.SetFollowingConfig(cfg)
}

// HandleBlock is called once per permissioned-chain block. It recovers the
// node's view of the anchoring chain tip if it has drifted from network
// consensus, rebroadcasts any transaction that hasn't confirmed in time,
// proposes a config transition if one is queued, and at anchoring interval
// boundaries proposes a new anchoring transaction for that block.
func (c *Controller) HandleBlock(height uint64, blockHash chainhash.Hash) error {
	if height == 0 {
		return nil
	}
	c.lastHeight = height

	if err := c.recoverLect(); err != nil {
		return fmt.Errorf("recovering lect at height %d: %w", height, err)
	}
	if err := c.pollPending(height); err != nil {
		return fmt.Errorf("polling pending broadcast at height %d: %w", height, err)
	}

	following, hasFollowing, err := c.schema.FollowingConfig()
	if err != nil {
		return err
	}
	if hasFollowing && c.transitionProposal == nil {
		if err := c.proposeTransition(following); err != nil {
			return fmt.Errorf("proposing config transition at height %d: %w", height, err)
		}
	}

	if height%c.interval != 0 {
		return nil
	}
	return c.proposeAnchor(height, blockHash)
}

// proposeAnchor builds and self-signs a new anchoring transaction for
// height, if one isn't already pending.
func (c *Controller) proposeAnchor(height uint64, blockHash chainhash.Hash) error {
	if _, exists := c.proposals[height]; exists {
		return nil // already proposed for this height
	}

	keys, err := c.actualKeySet()
	if err != nil {
		return fmt.Errorf("resolving key set at height %d: %w", height, err)
	}
	addr, err := keys.Address(c.net)
	if err != nil {
		return fmt.Errorf("deriving anchoring address at height %d: %w", height, err)
	}

	inputs, err := c.reconcileFunding(addr)
	if err != nil {
		return fmt.Errorf("reconciling funding at height %d: %w", height, err)
	}
	if len(inputs) == 0 {
		slog.Warn("no unspent funding available, skipping anchoring proposal", "instance", c.instance, "height", height)
		return nil
	}

	redeem, err := keys.RedeemScript()
	if err != nil {
		return err
	}

	payload := AnchoringPayload{Kind: config.PayloadKindAnchor, Height: height, BlockHash: blockHash}
	proposal, err := BuildAnchoringTx(inputs, redeem, addr, payload, c.feeRateSat)
	if err != nil {
		return fmt.Errorf("building anchoring proposal at height %d: %w", height, err)
	}

	c.proposals[height] = proposal
	c.pools[height] = NewSignaturePool(keys.Threshold)

	ownSigs, err := SignProposal(c.priv, c.validatorIndex, proposal)
	if err != nil {
		return fmt.Errorf("signing own proposal at height %d: %w", height, err)
	}
	for _, sig := range ownSigs {
		if err := c.pools[height].Add(sig); err != nil {
			return err
		}
	}

	slog.Info("proposed anchoring transaction", "instance", c.instance, "height", height, "inputs", len(inputs))
	return c.tryFinalize(height)
}

// proposeTransition builds and self-signs the transaction that moves the
// anchoring chain from its actual configuration to a queued following one.
// The transition transaction spends inputs locked by the actual (old)
// redeem script — since that's what currently secures them — but pays out
// to the following configuration's address, and its OP_RETURN payload
// re-anchors the previously anchored height rather than advancing it: no
// new permissioned-chain block is being committed by a pure config change.
func (c *Controller) proposeTransition(following AnchoringConfig) error {
	actualKeys, err := c.actualKeySet()
	if err != nil {
		return err
	}
	destKeys, err := NewPublicKeySet(following.ValidatorKeys, following.Threshold, c.net)
	if err != nil {
		return err
	}
	addr, err := actualKeys.Address(c.net)
	if err != nil {
		return err
	}
	destAddr, err := destKeys.Address(c.net)
	if err != nil {
		return err
	}

	inputs, err := c.reconcileFunding(addr)
	if err != nil {
		return fmt.Errorf("reconciling funding for config transition: %w", err)
	}
	if len(inputs) == 0 {
		slog.Warn("no unspent funding available, deferring config transition", "instance", c.instance)
		return nil
	}

	redeem, err := actualKeys.RedeemScript()
	if err != nil {
		return err
	}

	payload, err := c.previousAnchoredPayload()
	if err != nil {
		return err
	}

	proposal, err := BuildAnchoringTx(inputs, redeem, destAddr, payload, c.feeRateSat)
	if err != nil {
		return fmt.Errorf("building config transition proposal: %w", err)
	}

	c.transitionProposal = proposal
	c.transitionPool = NewSignaturePool(actualKeys.Threshold)

	ownSigs, err := SignProposal(c.priv, c.validatorIndex, proposal)
	if err != nil {
		return fmt.Errorf("signing own transition proposal: %w", err)
	}
	for _, sig := range ownSigs {
		if err := c.transitionPool.Add(sig); err != nil {
			return err
		}
	}

	slog.Info("proposed config transition transaction", "instance", c.instance, "inputs", len(inputs))
	return c.tryFinalizeTransition()
}

// previousAnchoredPayload returns the OP_RETURN payload a config
// transition should carry: the previously anchored height and block hash,
// unchanged, or a zero payload if nothing has been anchored yet (a
// transition queued before the instance's first anchor).
func (c *Controller) previousAnchoredPayload() (AnchoringPayload, error) {
	latest, found, err := c.schema.LatestBlock()
	if err != nil {
		return AnchoringPayload{}, err
	}
	if !found {
		return AnchoringPayload{Kind: config.PayloadKindAnchor}, nil
	}
	hash, err := chainhash.NewHashFromStr(latest.BlockHash)
	if err != nil {
		return AnchoringPayload{}, fmt.Errorf("%w: parsing previous anchored block hash: %v", ErrMalformedTx, err)
	}
	return AnchoringPayload{Kind: config.PayloadKindAnchor, Height: latest.Height, BlockHash: *hash}, nil
}

// ReceiveSignature applies an incoming validator signature either to the
// pending config transition (msg.Height == 0, a sentinel HandleBlock never
// produces for a real anchor) or to the proposal at msg.Height, finalizing
// and broadcasting once enough signatures have accumulated.
func (c *Controller) ReceiveSignature(msg MsgSignature) error {
	if msg.Height == 0 {
		if c.transitionProposal == nil {
			if c.pending != nil && c.pending.height == 0 {
				return nil // transition already broadcast; a late-arriving signature is not an error
			}
			return fmt.Errorf("no config transition proposal pending")
		}
		keys, err := c.actualKeySet()
		if err != nil {
			return err
		}
		if err := HandleSignature(c.transitionPool, c.transitionProposal, keys, msg); err != nil {
			return fmt.Errorf("validator %d transition signature: %w", msg.ValidatorIndex, err)
		}
		return c.tryFinalizeTransition()
	}

	if c.finalized[msg.Height] {
		return nil // already broadcast; a late-arriving signature is not an error
	}
	proposal, ok := c.proposals[msg.Height]
	if !ok {
		return fmt.Errorf("no proposal pending at height %d", msg.Height)
	}
	keys, err := c.actualKeySet()
	if err != nil {
		return err
	}
	if err := HandleSignature(c.pools[msg.Height], proposal, keys, msg); err != nil {
		return fmt.Errorf("validator %d signature at height %d: %w", msg.ValidatorIndex, msg.Height, err)
	}
	return c.tryFinalize(msg.Height)
}

// tryFinalize broadcasts the transaction at height if its signature pool
// has reached threshold, then records it in the tx chain and clears the
// in-flight proposal state.
func (c *Controller) tryFinalize(height uint64) error {
	pool := c.pools[height]
	proposal := c.proposals[height]
	if pool == nil || proposal == nil || !pool.Ready(len(proposal.Tx.TxIn)) {
		return nil
	}

	finalTx, err := pool.Finalize(proposal)
	if err != nil {
		return fmt.Errorf("finalizing anchoring tx at height %d: %w", height, err)
	}

	txid, err := c.client.SendRawTransaction(finalTx)
	if err != nil {
		return fmt.Errorf("broadcasting anchoring tx at height %d: %w", height, err)
	}

	payload, err := ExtractPayload(outputScripts(finalTx))
	if err != nil {
		return fmt.Errorf("re-extracting payload at height %d: %w", height, err)
	}

	if err := c.schema.AppendTxChain(AnchoredBlock{
		Height:    height,
		BlockHash: payload.BlockHash.String(),
		TxHex:     encodeTxHex(finalTx),
		TxID:      txid.String(),
	}); err != nil {
		return err
	}
	if err := c.schema.SetLect(c.validatorIndex, txid.String()); err != nil {
		return err
	}
	if err := c.consumeFunding(proposal); err != nil {
		return err
	}

	delete(c.proposals, height)
	delete(c.pools, height)
	c.finalized[height] = true
	c.pending = &pendingBroadcast{height: height, txid: txid, tx: finalTx, broadcastAtHeight: c.lastHeight}

	slog.Info("finalized anchoring transaction", "instance", c.instance, "height", height, "txid", txid.String(), "fingerprint", shortTxID(txid))
	return nil
}

// tryFinalizeTransition broadcasts the config transition transaction once
// its signature pool has reached threshold, promotes the following config
// to actual, and clears the in-flight transition state.
func (c *Controller) tryFinalizeTransition() error {
	if c.transitionProposal == nil || c.transitionPool == nil {
		return nil
	}
	if !c.transitionPool.Ready(len(c.transitionProposal.Tx.TxIn)) {
		return nil
	}

	finalTx, err := c.transitionPool.Finalize(c.transitionProposal)
	if err != nil {
		return fmt.Errorf("finalizing config transition tx: %w", err)
	}

	txid, err := c.client.SendRawTransaction(finalTx)
	if err != nil {
		return fmt.Errorf("broadcasting config transition tx: %w", err)
	}

	payload, err := ExtractPayload(outputScripts(finalTx))
	if err != nil {
		return fmt.Errorf("re-extracting config transition payload: %w", err)
	}

	if err := c.schema.AppendTxChain(AnchoredBlock{
		Height:    payload.Height,
		BlockHash: payload.BlockHash.String(),
		TxHex:     encodeTxHex(finalTx),
		TxID:      txid.String(),
	}); err != nil {
		return err
	}
	if err := c.schema.SetLect(c.validatorIndex, txid.String()); err != nil {
		return err
	}
	if err := c.consumeFunding(c.transitionProposal); err != nil {
		return err
	}
	if err := c.schema.PromoteFollowingConfig(); err != nil {
		return err
	}

	c.pending = &pendingBroadcast{height: 0, txid: txid, tx: finalTx, broadcastAtHeight: c.lastHeight}
	c.transitionProposal = nil
	c.transitionPool = nil

	slog.Info("finalized config transition transaction", "instance", c.instance, "txid", txid.String(), "fingerprint", shortTxID(txid))
	return nil
}

// pollPending checks whether a broadcast transaction still awaiting
// confirmation has appeared on the node. If it has, the wait ends. If it
// hasn't after RebroadcastAfterBlocks blocks, it rebroadcasts — unless
// network consensus has meanwhile converged on a different transaction for
// the same slot, in which case this node's view has drifted and it
// recovers instead of fighting the network with a stale proposal.
func (c *Controller) pollPending(height uint64) error {
	if c.pending == nil {
		return nil
	}
	if height < c.pending.broadcastAtHeight+config.RebroadcastAfterBlocks {
		return nil
	}

	_, err := c.client.GetRawTransaction(c.pending.txid)
	if err == nil {
		c.pending = nil
		return nil
	}
	if !errors.Is(err, ErrTxNotFound) {
		return fmt.Errorf("checking confirmation of pending tx: %w", err)
	}

	if threshold, ok, terr := c.quorumThreshold(); terr == nil && ok {
		if consensusTxid, found, cerr := c.schema.LectConsensus(threshold); cerr == nil && found && consensusTxid != c.pending.txid.String() {
			return c.recoverFromConsensus(consensusTxid)
		}
	}

	txid, err := c.client.SendRawTransaction(c.pending.tx)
	if err != nil {
		return fmt.Errorf("rebroadcasting pending tx: %w", err)
	}
	slog.Warn("rebroadcast unconfirmed anchoring transaction", "instance", c.instance, "height", c.pending.height, "txid", txid.String())
	c.pending.broadcastAtHeight = height
	return nil
}

// recoverLect brings this node's own reported LECT back in line with
// network consensus, if the two have drifted apart — for example because
// another validator's independently-built proposal reached quorum and
// confirmed before this node's own did.
func (c *Controller) recoverLect() error {
	threshold, ok, err := c.quorumThreshold()
	if err != nil || !ok {
		return err
	}
	consensusTxid, found, err := c.schema.LectConsensus(threshold)
	if err != nil || !found {
		return err
	}
	own, found, err := c.schema.Lect(c.validatorIndex)
	if err != nil {
		return err
	}
	if found && own == consensusTxid {
		return nil
	}
	return c.recoverFromConsensus(consensusTxid)
}

// recoverFromConsensus fetches the network-agreed transaction from Bitcoin
// and adopts it as this node's own LECT.
func (c *Controller) recoverFromConsensus(consensusTxid string) error {
	txid, err := chainhash.NewHashFromStr(consensusTxid)
	if err != nil {
		return fmt.Errorf("%w: parsing consensus lect %s: %v", ErrMalformedTx, consensusTxid, err)
	}
	tx, err := c.client.GetRawTransaction(*txid)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			return nil // not visible to this node's bitcoin client yet; try again next block
		}
		return fmt.Errorf("fetching consensus lect %s: %w", consensusTxid, err)
	}
	if _, err := ExtractPayload(outputScripts(tx)); err != nil {
		return fmt.Errorf("consensus lect %s carries no anchoring payload: %w", consensusTxid, err)
	}

	slog.Warn("lect lost: recovering network-agreed anchoring transaction", "instance", c.instance, "consensus_txid", consensusTxid)

	if c.pending != nil && c.pending.txid.String() != consensusTxid {
		c.pending = nil
	}
	return c.schema.SetLect(c.validatorIndex, consensusTxid)
}

// quorumThreshold returns the threshold of the actual configuration, or
// false if no configuration is set yet.
func (c *Controller) quorumThreshold() (int, bool, error) {
	cfg, found, err := c.schema.ActualConfig()
	if err != nil || !found {
		return 0, false, err
	}
	return cfg.Threshold, true, nil
}

// reconcileFunding assembles a deterministic input list for the next
// anchoring transaction: the previous anchoring output first (if any),
// then every MsgFunding-recorded unspent output ascending by txid then
// vout. Every validator reconciling the same schema state independently
// arrives at the same ordered input list, which is required for their
// unsigned proposals to be byte-identical. Only when neither source has
// anything — the bootstrap case, before any MsgFunding has been gossiped
// — does it fall back to asking the node directly.
func (c *Controller) reconcileFunding(addr *btcutil.AddressScriptHash) ([]UTXO, error) {
	var inputs []UTXO

	prev, ok, err := c.previousAnchoringUTXO()
	if err != nil {
		return nil, err
	}
	if ok {
		inputs = append(inputs, prev)
	}

	funding, err := c.schema.UnspentFunding()
	if err != nil {
		return nil, err
	}
	sort.Slice(funding, func(i, j int) bool {
		if funding[i].TxID != funding[j].TxID {
			return funding[i].TxID < funding[j].TxID
		}
		return funding[i].Vout < funding[j].Vout
	})
	for _, f := range funding {
		txid, err := chainhash.NewHashFromStr(f.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing funding txid %s: %v", ErrMalformedTx, f.TxID, err)
		}
		inputs = append(inputs, UTXO{TxID: *txid, Vout: f.Vout, Amount: f.Amount})
	}

	if len(inputs) == 0 {
		listed, err := c.client.ListUnspent(addr)
		if err != nil {
			return nil, fmt.Errorf("listing unspent funding: %w", err)
		}
		inputs = listed
	}
	return inputs, nil
}

// previousAnchoringUTXO returns the change output of the last anchoring
// transaction this instance produced, which BuildAnchoringTx always places
// at output index 0.
func (c *Controller) previousAnchoringUTXO() (UTXO, bool, error) {
	latest, found, err := c.schema.LatestBlock()
	if err != nil || !found {
		return UTXO{}, false, err
	}
	tx, err := decodeTxHex(latest.TxHex)
	if err != nil {
		return UTXO{}, false, fmt.Errorf("decoding previous anchoring tx: %w", err)
	}
	if len(tx.TxOut) == 0 {
		return UTXO{}, false, fmt.Errorf("%w: previous anchoring tx has no outputs", ErrMalformedTx)
	}
	txid, err := chainhash.NewHashFromStr(latest.TxID)
	if err != nil {
		return UTXO{}, false, fmt.Errorf("%w: parsing previous anchoring txid: %v", ErrMalformedTx, err)
	}
	return UTXO{TxID: *txid, Vout: 0, Amount: tx.TxOut[0].Value}, true, nil
}

// consumeFunding removes the inputs a just-broadcast proposal spent from
// the set of unspent funding, so they aren't offered again to the next
// proposal.
func (c *Controller) consumeFunding(proposal *ProposedTx) error {
	spent := make(map[string]bool, len(proposal.Inputs))
	for _, in := range proposal.Inputs {
		spent[fmt.Sprintf("%s:%d", in.TxID, in.Vout)] = true
	}

	funding, err := c.schema.UnspentFunding()
	if err != nil {
		return err
	}
	remaining := make([]FundingUTXO, 0, len(funding))
	for _, f := range funding {
		if !spent[fmt.Sprintf("%s:%d", f.TxID, f.Vout)] {
			remaining = append(remaining, f)
		}
	}
	return c.schema.SetUnspentFunding(remaining)
}

func outputScripts(tx *wire.MsgTx) [][]byte {
	scripts := make([][]byte, len(tx.TxOut))
	for i, out := range tx.TxOut {
		scripts[i] = out.PkScript
	}
	return scripts
}
