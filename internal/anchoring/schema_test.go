package anchoring

import (
	"testing"

	"github.com/anchorlabs/btcanchor/internal/store"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSchema(s, "test-instance")
}

func TestSchema_ActualConfigRoundTrip(t *testing.T) {
	schema := testSchema(t)

	if _, found, err := schema.ActualConfig(); err != nil || found {
		t.Fatalf("expected no actual config initially, found=%v err=%v", found, err)
	}

	cfg := AnchoringConfig{ValidatorKeys: []string{"aa", "bb"}, Threshold: 2}
	if err := schema.SetActualConfig(cfg); err != nil {
		t.Fatalf("SetActualConfig() error = %v", err)
	}

	got, found, err := schema.ActualConfig()
	if err != nil || !found {
		t.Fatalf("ActualConfig() found=%v err=%v", found, err)
	}
	if got.Threshold != 2 || len(got.ValidatorKeys) != 2 {
		t.Errorf("ActualConfig() = %+v, want %+v", got, cfg)
	}
}

func TestSchema_PromoteFollowingConfig(t *testing.T) {
	schema := testSchema(t)

	if err := schema.PromoteFollowingConfig(); err == nil {
		t.Fatal("expected error promoting with no following config queued")
	}

	actual := AnchoringConfig{ValidatorKeys: []string{"aa"}, Threshold: 1}
	following := AnchoringConfig{ValidatorKeys: []string{"aa", "bb"}, Threshold: 2}
	if err := schema.SetActualConfig(actual); err != nil {
		t.Fatalf("SetActualConfig() error = %v", err)
	}
	if err := schema.SetFollowingConfig(following); err != nil {
		t.Fatalf("SetFollowingConfig() error = %v", err)
	}

	if err := schema.PromoteFollowingConfig(); err != nil {
		t.Fatalf("PromoteFollowingConfig() error = %v", err)
	}

	got, found, err := schema.ActualConfig()
	if err != nil || !found {
		t.Fatalf("ActualConfig() found=%v err=%v", found, err)
	}
	if got.Threshold != 2 {
		t.Errorf("ActualConfig() after promote = %+v, want following config", got)
	}
	if _, found, _ := schema.FollowingConfig(); found {
		t.Error("expected following config to be cleared after promote")
	}
}

func TestSchema_TxChainAppendAndLatest(t *testing.T) {
	schema := testSchema(t)

	if _, found, err := schema.LatestBlock(); err != nil || found {
		t.Fatalf("expected no latest block initially, found=%v err=%v", found, err)
	}

	b1 := AnchoredBlock{Height: 1000, TxID: "tx1"}
	b2 := AnchoredBlock{Height: 2000, TxID: "tx2"}
	if err := schema.AppendTxChain(b1); err != nil {
		t.Fatalf("AppendTxChain() error = %v", err)
	}
	if err := schema.AppendTxChain(b2); err != nil {
		t.Fatalf("AppendTxChain() error = %v", err)
	}

	chain, err := schema.TxChain()
	if err != nil {
		t.Fatalf("TxChain() error = %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("got %d entries, want 2", len(chain))
	}

	latest, found, err := schema.LatestBlock()
	if err != nil || !found {
		t.Fatalf("LatestBlock() found=%v err=%v", found, err)
	}
	if latest.TxID != "tx2" {
		t.Errorf("LatestBlock() = %+v, want tx2", latest)
	}
}

func TestSchema_LectConsensus(t *testing.T) {
	schema := testSchema(t)

	if err := schema.SetLect(0, "txA"); err != nil {
		t.Fatalf("SetLect() error = %v", err)
	}
	if err := schema.SetLect(1, "txA"); err != nil {
		t.Fatalf("SetLect() error = %v", err)
	}
	if err := schema.SetLect(2, "txB"); err != nil {
		t.Fatalf("SetLect() error = %v", err)
	}

	if _, found, err := schema.LectConsensus(3); err != nil {
		t.Fatalf("LectConsensus() error = %v", err)
	} else if found {
		t.Error("expected no consensus at threshold 3 with only 2 matching")
	}

	txid, found, err := schema.LectConsensus(2)
	if err != nil {
		t.Fatalf("LectConsensus() error = %v", err)
	}
	if !found || txid != "txA" {
		t.Errorf("LectConsensus(2) = (%q, %v), want (txA, true)", txid, found)
	}
}

func TestSchema_FundingSpentTracking(t *testing.T) {
	schema := testSchema(t)

	if spent, err := schema.IsFundingSpent("tx1"); err != nil || spent {
		t.Fatalf("expected tx1 not spent initially, spent=%v err=%v", spent, err)
	}

	if err := schema.MarkFundingSpent("tx1"); err != nil {
		t.Fatalf("MarkFundingSpent() error = %v", err)
	}

	spent, err := schema.IsFundingSpent("tx1")
	if err != nil || !spent {
		t.Fatalf("expected tx1 spent, spent=%v err=%v", spent, err)
	}
}

func TestSchema_UnspentFunding(t *testing.T) {
	schema := testSchema(t)

	utxos, err := schema.UnspentFunding()
	if err != nil {
		t.Fatalf("UnspentFunding() error = %v", err)
	}
	if len(utxos) != 0 {
		t.Fatalf("expected empty unspent funding initially, got %d", len(utxos))
	}

	want := []FundingUTXO{{TxID: "tx1", Vout: 0, Amount: 1000}}
	if err := schema.SetUnspentFunding(want); err != nil {
		t.Fatalf("SetUnspentFunding() error = %v", err)
	}

	got, err := schema.UnspentFunding()
	if err != nil {
		t.Fatalf("UnspentFunding() error = %v", err)
	}
	if len(got) != 1 || got[0].TxID != "tx1" {
		t.Errorf("UnspentFunding() = %+v, want %+v", got, want)
	}
}
