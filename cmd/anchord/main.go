// Command anchord runs one validator node of a Bitcoin anchoring service:
// it derives the node's signing key, tracks the anchoring schema, and
// drives the controller's decision loop from the permissioned chain's
// block stream and its peers' gossiped anchoring messages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/anchorlabs/btcanchor/internal/anchoring/btcclient"
	"github.com/anchorlabs/btcanchor/internal/api"
	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/anchorlabs/btcanchor/internal/keys"
	"github.com/anchorlabs/btcanchor/internal/logging"
	"github.com/anchorlabs/btcanchor/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("anchord starting",
		"instance", cfg.Instance,
		"network", cfg.Network,
		"validatorIndex", cfg.ValidatorIndex,
		"threshold", cfg.Threshold,
		"validators", len(cfg.AnchoringKeys),
		"anchoringInterval", cfg.AnchoringInterval,
	)

	mnemonic, err := keys.ReadMnemonicFromFile(cfg.MnemonicFile)
	if err != nil {
		slog.Error("failed to read validator mnemonic", "error", err)
		os.Exit(1)
	}

	net := keys.NetworkParams(cfg.Network)
	seed, err := keys.MnemonicToSeed(mnemonic)
	if err != nil {
		slog.Error("failed to derive seed from mnemonic", "error", err)
		os.Exit(1)
	}
	master, err := keys.DeriveMasterKey(seed, net)
	if err != nil {
		slog.Error("failed to derive master key", "error", err)
		os.Exit(1)
	}
	priv, err := keys.DeriveValidatorKey(master, uint32(cfg.ValidatorIndex))
	if err != nil {
		slog.Error("failed to derive validator signing key", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.StorePath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	schema := anchoring.NewSchema(db, cfg.Instance)
	if _, found, err := schema.ActualConfig(); err != nil {
		slog.Error("failed to load actual config", "error", err)
		os.Exit(1)
	} else if !found {
		if err := schema.SetActualConfig(anchoring.AnchoringConfig{
			ValidatorKeys: cfg.AnchoringKeys,
			Threshold:     cfg.Threshold,
			FundingTxHex:  cfg.FundingTxHex,
		}); err != nil {
			slog.Error("failed to seed initial config", "error", err)
			os.Exit(1)
		}
		slog.Info("seeded initial anchoring configuration from node config")
	}

	client, err := btcclient.New(btcclient.Config{
		Host: cfg.RPCHost,
		User: cfg.RPCUser,
		Pass: cfg.RPCPass,
		TLS:  cfg.RPCTLS,
	})
	if err != nil {
		slog.Error("failed to connect to bitcoin rpc", "error", err)
		os.Exit(1)
	}
	defer client.Shutdown()

	controller := anchoring.NewController(
		cfg.Instance,
		schema,
		net,
		cfg.ValidatorIndex,
		priv,
		client,
		cfg.TransactionFee,
		cfg.AnchoringInterval,
	)

	startedAt := time.Now()
	router := api.NewRouter(cfg.Instance, schema, controller, startedAt)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("anchord HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("anchord stopped")
}
