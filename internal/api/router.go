// Package api exposes the anchoring node's admin HTTP surface: a liveness
// probe, a read-only status snapshot of the anchoring schema, and the write
// endpoints that deliver blocks, peer messages and config transitions to
// the controller, in the same go-chi routing style as the rest of the
// node's HTTP-facing code.
package api

import (
	"log/slog"
	"time"

	"github.com/anchorlabs/btcanchor/internal/anchoring"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the router for one anchoring instance: a read-only
// admin surface plus the write endpoints the permissioned chain's own
// consensus layer calls into to deliver new blocks and peer messages.
// That chain's transport is out of this service's scope — any process
// relaying its block stream and gossiped ServiceTx messages over HTTP can
// drive these routes.
func NewRouter(instance string, schema *anchoring.Schema, controller *anchoring.Controller, startedAt time.Time) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Logger)

	r.Get("/health", HealthHandler(startedAt))
	r.Get("/status", StatusHandler(instance, schema))

	r.Post("/blocks", BlockHandler(controller))
	r.Post("/messages/signature", SignatureMessageHandler(controller))
	r.Post("/messages/lect", UpdateLatestMessageHandler(schema))
	r.Post("/messages/funding", FundingMessageHandler(schema, controller))
	r.Post("/config/transition", ConfigTransitionHandler(controller))

	slog.Info("admin router initialized", "instance", instance)
	return r
}
