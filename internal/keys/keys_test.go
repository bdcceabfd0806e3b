package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

const testMnemonic24 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		wantErr  bool
	}{
		{name: "valid 24-word mnemonic", mnemonic: testMnemonic24, wantErr: false},
		{name: "invalid — 12 words rejected", mnemonic: "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", wantErr: true},
		{name: "invalid — empty", mnemonic: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMnemonic(tt.mnemonic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMnemonic() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMnemonicToSeedDeterministic(t *testing.T) {
	seed, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatalf("MnemonicToSeed() error = %v", err)
	}
	if len(seed) != 64 {
		t.Errorf("MnemonicToSeed() seed length = %d, want 64", len(seed))
	}

	seed2, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatalf("MnemonicToSeed() second call error = %v", err)
	}
	for i := range seed {
		if seed[i] != seed2[i] {
			t.Fatalf("MnemonicToSeed() seed not deterministic at byte %d", i)
		}
	}
}

func TestReadMnemonicFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemonic.txt")
	if err := os.WriteFile(path, []byte(testMnemonic24+"\n"), 0o600); err != nil {
		t.Fatalf("write mnemonic file: %v", err)
	}

	got, err := ReadMnemonicFromFile(path)
	if err != nil {
		t.Fatalf("ReadMnemonicFromFile() error = %v", err)
	}
	if got != testMnemonic24 {
		t.Errorf("ReadMnemonicFromFile() = %q, want %q", got, testMnemonic24)
	}
}

func TestReadMnemonicFromFile_Missing(t *testing.T) {
	if _, err := ReadMnemonicFromFile("/nonexistent/path"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDeriveValidatorKey_DeterministicPerIndex(t *testing.T) {
	seed, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatalf("MnemonicToSeed() error = %v", err)
	}

	master, err := DeriveMasterKey(seed, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("DeriveMasterKey() error = %v", err)
	}

	k0a, err := DeriveValidatorKey(master, 0)
	if err != nil {
		t.Fatalf("DeriveValidatorKey(0) error = %v", err)
	}
	k0b, err := DeriveValidatorKey(master, 0)
	if err != nil {
		t.Fatalf("DeriveValidatorKey(0) second call error = %v", err)
	}
	if !k0a.Key.Equals(&k0b.Key) {
		t.Error("DeriveValidatorKey(0) not deterministic")
	}

	k1, err := DeriveValidatorKey(master, 1)
	if err != nil {
		t.Fatalf("DeriveValidatorKey(1) error = %v", err)
	}
	if k0a.Key.Equals(&k1.Key) {
		t.Error("DeriveValidatorKey(0) and DeriveValidatorKey(1) produced the same key")
	}
}

func TestNetworkParams(t *testing.T) {
	if NetworkParams("mainnet") != &chaincfg.MainNetParams {
		t.Error("NetworkParams(mainnet) mismatch")
	}
	if NetworkParams("testnet") != &chaincfg.TestNet3Params {
		t.Error("NetworkParams(testnet) mismatch")
	}
	if NetworkParams("regtest") != &chaincfg.RegressionNetParams {
		t.Error("NetworkParams(regtest) mismatch")
	}
}
