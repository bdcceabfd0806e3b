package anchoring

import (
	"fmt"

	"github.com/anchorlabs/btcanchor/internal/store"
)

// AnchoringConfig is the on-chain-agreed multisig configuration: the
// validator public keys and threshold that define the current anchoring
// address, plus the funding transaction that seeded it.
type AnchoringConfig struct {
	ValidatorKeys []string `json:"validator_keys"`
	Threshold     int      `json:"threshold"`
	FundingTxHex  string   `json:"funding_tx_hex"`
}

// AnchoredBlock records one finalized anchoring transaction and the
// permissioned-chain block it commits.
type AnchoredBlock struct {
	Height    uint64 `json:"height"`
	BlockHash string `json:"block_hash"` // hex chainhash.Hash
	TxHex     string `json:"tx_hex"`
	TxID      string `json:"txid"`
}

// FundingUTXO is an unspent output of the anchoring address available to
// fund the next anchoring transaction.
type FundingUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`
}

const (
	keyActualConfig    = "actual_config"
	keyFollowingConfig = "following_config"
	keyTxChain         = "tx_chain"
	keyLects           = "lects"
	keySpentFunding    = "spent_funding"
	keyUnspentFunding  = "unspent_funding"
)

// Schema is the node-local projection of one anchoring instance's state:
// its agreed configuration, the chain of anchoring transactions it has
// produced, per-validator LECT reports, and funding bookkeeping. All
// methods are scoped by instance, so one process can run several
// anchoring instances against the same store.
type Schema struct {
	store    *store.Store
	instance string
}

// NewSchema returns a schema projection for the given instance.
func NewSchema(s *store.Store, instance string) *Schema {
	return &Schema{store: s, instance: instance}
}

// ActualConfig returns the currently active multisig configuration, if set.
func (s *Schema) ActualConfig() (AnchoringConfig, bool, error) {
	var cfg AnchoringConfig
	found, err := s.store.GetJSON(s.instance, keyActualConfig, &cfg)
	if err != nil {
		return AnchoringConfig{}, false, fmt.Errorf("loading actual config: %w", err)
	}
	return cfg, found, nil
}

// SetActualConfig persists the active multisig configuration.
func (s *Schema) SetActualConfig(cfg AnchoringConfig) error {
	return s.store.PutJSON(s.instance, keyActualConfig, cfg)
}

// FollowingConfig returns the configuration queued to replace the actual
// one once its transition transaction is finalized, if any.
func (s *Schema) FollowingConfig() (AnchoringConfig, bool, error) {
	var cfg AnchoringConfig
	found, err := s.store.GetJSON(s.instance, keyFollowingConfig, &cfg)
	if err != nil {
		return AnchoringConfig{}, false, fmt.Errorf("loading following config: %w", err)
	}
	return cfg, found, nil
}

// SetFollowingConfig queues a configuration for a future transition.
func (s *Schema) SetFollowingConfig(cfg AnchoringConfig) error {
	return s.store.PutJSON(s.instance, keyFollowingConfig, cfg)
}

// PromoteFollowingConfig replaces the actual config with the following one
// and clears the following slot. It does not check Bitcoin confirmation:
// the controller calls it as soon as the transition transaction is
// finalized and broadcast.
func (s *Schema) PromoteFollowingConfig() error {
	following, found, err := s.FollowingConfig()
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no following config queued")
	}
	if err := s.SetActualConfig(following); err != nil {
		return err
	}
	return s.store.DeleteKey(s.instance, keyFollowingConfig)
}

// TxChain returns the ordered history of finalized anchoring transactions,
// oldest first.
func (s *Schema) TxChain() ([]AnchoredBlock, error) {
	var chain []AnchoredBlock
	if _, err := s.store.GetJSON(s.instance, keyTxChain, &chain); err != nil {
		return nil, fmt.Errorf("loading tx chain: %w", err)
	}
	return chain, nil
}

// AppendTxChain records a newly finalized anchoring transaction at the end
// of the chain.
func (s *Schema) AppendTxChain(block AnchoredBlock) error {
	chain, err := s.TxChain()
	if err != nil {
		return err
	}
	chain = append(chain, block)
	return s.store.PutJSON(s.instance, keyTxChain, chain)
}

// LatestBlock returns the most recently anchored block, if any.
func (s *Schema) LatestBlock() (AnchoredBlock, bool, error) {
	chain, err := s.TxChain()
	if err != nil {
		return AnchoredBlock{}, false, err
	}
	if len(chain) == 0 {
		return AnchoredBlock{}, false, nil
	}
	return chain[len(chain)-1], true, nil
}

// lectSet maps validator index to its reported Latest Expected Committed Transaction id.
type lectSet map[int]string

// SetLect records validator validatorIndex's view of the Bitcoin chain tip
// for this instance's anchoring address.
func (s *Schema) SetLect(validatorIndex int, txid string) error {
	lects, err := s.lects()
	if err != nil {
		return err
	}
	lects[validatorIndex] = txid
	return s.store.PutJSON(s.instance, keyLects, lects)
}

// Lect returns validator validatorIndex's last reported LECT.
func (s *Schema) Lect(validatorIndex int) (string, bool, error) {
	lects, err := s.lects()
	if err != nil {
		return "", false, err
	}
	txid, ok := lects[validatorIndex]
	return txid, ok, nil
}

// LectConsensus returns the transaction id agreed on by at least threshold
// validators, if one exists.
func (s *Schema) LectConsensus(threshold int) (string, bool, error) {
	lects, err := s.lects()
	if err != nil {
		return "", false, err
	}
	counts := make(map[string]int, len(lects))
	for _, txid := range lects {
		counts[txid]++
	}
	for txid, count := range counts {
		if count >= threshold {
			return txid, true, nil
		}
	}
	return "", false, nil
}

func (s *Schema) lects() (lectSet, error) {
	lects := make(lectSet)
	if _, err := s.store.GetJSON(s.instance, keyLects, &lects); err != nil {
		return nil, fmt.Errorf("loading lects: %w", err)
	}
	if lects == nil {
		lects = make(lectSet)
	}
	return lects, nil
}

// MarkFundingSpent records a funding transaction id as seen, so a replayed
// MsgFunding for it is rejected. HandleFunding calls it when it accepts the
// announcement, before any anchoring transaction has spent the funding;
// which outputs are still unspent is tracked by UnspentFunding instead.
func (s *Schema) MarkFundingSpent(txid string) error {
	spent, err := s.spentFunding()
	if err != nil {
		return err
	}
	spent[txid] = true
	return s.store.PutJSON(s.instance, keySpentFunding, spent)
}

// IsFundingSpent reports whether a funding transaction id has already been recorded.
func (s *Schema) IsFundingSpent(txid string) (bool, error) {
	spent, err := s.spentFunding()
	if err != nil {
		return false, err
	}
	return spent[txid], nil
}

func (s *Schema) spentFunding() (map[string]bool, error) {
	spent := make(map[string]bool)
	if _, err := s.store.GetJSON(s.instance, keySpentFunding, &spent); err != nil {
		return nil, fmt.Errorf("loading spent funding: %w", err)
	}
	if spent == nil {
		spent = make(map[string]bool)
	}
	return spent, nil
}

// UnspentFunding returns the UTXOs currently available to fund the next
// anchoring transaction.
func (s *Schema) UnspentFunding() ([]FundingUTXO, error) {
	var utxos []FundingUTXO
	if _, err := s.store.GetJSON(s.instance, keyUnspentFunding, &utxos); err != nil {
		return nil, fmt.Errorf("loading unspent funding: %w", err)
	}
	return utxos, nil
}

// SetUnspentFunding replaces the set of available funding UTXOs: accepted
// MsgFunding outputs are appended, and outputs an anchoring transaction
// spends are removed. The last anchoring transaction's change output is not
// stored here; the controller reads it from the tx chain.
func (s *Schema) SetUnspentFunding(utxos []FundingUTXO) error {
	return s.store.PutJSON(s.instance, keyUnspentFunding, utxos)
}
