package config

import (
	"errors"
	"testing"
)

func TestErrInvalidConfig_Wrapping(t *testing.T) {
	cfg := validConfig()
	cfg.Network = "devnet"
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected error to wrap ErrInvalidConfig, got %v", err)
	}
}

func TestErrMnemonicFileNotSet(t *testing.T) {
	cfg := validConfig()
	cfg.MnemonicFile = ""
	err := cfg.Validate()
	if !errors.Is(err, ErrMnemonicFileNotSet) {
		t.Fatalf("expected error to be ErrMnemonicFileNotSet, got %v", err)
	}
}

func TestErrNoValidatorKeys(t *testing.T) {
	cfg := validConfig()
	cfg.AnchoringKeys = nil
	cfg.ValidatorIndex = 0
	err := cfg.Validate()
	if !errors.Is(err, ErrNoValidatorKeys) {
		t.Fatalf("expected error to wrap ErrNoValidatorKeys, got %v", err)
	}
}
