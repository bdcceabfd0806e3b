package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/anchorlabs/btcanchor/internal/api/httputil"
	"github.com/anchorlabs/btcanchor/internal/config"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const errorInvalidRequest = "ERROR_INVALID_REQUEST"

// statusView is the read-only snapshot of an anchoring instance's state
// surfaced to operators.
type statusView struct {
	Instance        string                     `json:"instance"`
	ActualConfig    anchoring.AnchoringConfig  `json:"actual_config"`
	FollowingConfig *anchoring.AnchoringConfig `json:"following_config,omitempty"`
	LatestBlock     *anchoring.AnchoredBlock   `json:"latest_anchored_block,omitempty"`
	TxChainLength   int                        `json:"tx_chain_length"`
	UnspentFunding  []anchoring.FundingUTXO    `json:"unspent_funding"`
}

// HealthHandler returns a handler for GET /health: a liveness probe that
// never touches the schema, so it stays responsive even if the store is
// wedged.
func HealthHandler(startedAt time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status": "ok",
			"uptime": time.Since(startedAt).String(),
		})
	}
}

// StatusHandler returns a handler for GET /status: a read-only projection
// of the anchoring schema for operator dashboards and debugging.
func StatusHandler(instance string, schema *anchoring.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actual, _, err := schema.ActualConfig()
		if err != nil {
			slog.Error("status: loading actual config failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to load configuration")
			return
		}

		view := statusView{Instance: instance, ActualConfig: actual}

		if following, found, err := schema.FollowingConfig(); err != nil {
			slog.Error("status: loading following config failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to load configuration")
			return
		} else if found {
			view.FollowingConfig = &following
		}

		if latest, found, err := schema.LatestBlock(); err != nil {
			slog.Error("status: loading latest block failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to load anchoring state")
			return
		} else if found {
			view.LatestBlock = &latest
		}

		chain, err := schema.TxChain()
		if err != nil {
			slog.Error("status: loading tx chain failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to load anchoring state")
			return
		}
		view.TxChainLength = len(chain)

		unspent, err := schema.UnspentFunding()
		if err != nil {
			slog.Error("status: loading unspent funding failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to load anchoring state")
			return
		}
		view.UnspentFunding = unspent

		httputil.JSON(w, http.StatusOK, view)
	}
}

type blockRequest struct {
	Height    uint64 `json:"height"`
	BlockHash string `json:"block_hash"`
}

// BlockHandler returns a handler for POST /blocks: the permissioned
// chain's relay calls this once per committed block, driving the
// controller's anchoring decision loop.
func BlockHandler(controller *anchoring.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req blockRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid request body")
			return
		}

		hash, err := chainhash.NewHashFromStr(req.BlockHash)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid block_hash")
			return
		}

		if err := controller.HandleBlock(req.Height, *hash); err != nil {
			slog.Error("handling block failed", "height", req.Height, "error", err)
			httputil.Error(w, http.StatusInternalServerError, config.ErrorInternal, "failed to handle block")
			return
		}

		httputil.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// SignatureMessageHandler returns a handler for POST /messages/signature:
// delivery of a peer validator's MsgSignature.
func SignatureMessageHandler(controller *anchoring.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg anchoring.MsgSignature
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid request body")
			return
		}

		if err := controller.ReceiveSignature(msg); err != nil {
			slog.Warn("rejecting signature message", "validator", msg.ValidatorIndex, "height", msg.Height, "error", err)
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, err.Error())
			return
		}

		httputil.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// UpdateLatestMessageHandler returns a handler for POST /messages/lect:
// delivery of a peer validator's MsgUpdateLatest.
func UpdateLatestMessageHandler(schema *anchoring.Schema) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg anchoring.MsgUpdateLatest
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid request body")
			return
		}

		if err := anchoring.HandleUpdateLatest(schema, msg); err != nil {
			slog.Warn("rejecting lect message", "validator", msg.ValidatorIndex, "error", err)
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, err.Error())
			return
		}

		httputil.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}

// ConfigTransitionHandler returns a handler for POST /config/transition:
// an operator-triggered request to queue a new validator key set. The
// controller proposes and signs the transition transaction itself on its
// next handled block once funding is available.
func ConfigTransitionHandler(controller *anchoring.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg anchoring.AnchoringConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid request body")
			return
		}

		if err := controller.QueueFollowingConfig(cfg); err != nil {
			slog.Warn("rejecting config transition request", "error", err)
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, err.Error())
			return
		}

		httputil.JSON(w, http.StatusOK, map[string]string{"status": "queued"})
	}
}

// FundingMessageHandler returns a handler for POST /messages/funding:
// delivery of a peer validator's MsgFunding.
func FundingMessageHandler(schema *anchoring.Schema, controller *anchoring.Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg anchoring.MsgFunding
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, "invalid request body")
			return
		}

		if err := controller.ReceiveFunding(msg); err != nil {
			slog.Warn("rejecting funding message", "validator", msg.ValidatorIndex, "error", err)
			httputil.Error(w, http.StatusBadRequest, errorInvalidRequest, err.Error())
			return
		}

		httputil.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}
