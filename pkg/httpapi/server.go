// Package httpapi exposes the billing service over HTTP: usage
// authorization, credit balances and grants, usage inspection,
// subscription lookup, billing history, and the payment-provider
// webhook endpoint.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/gate"
	"github.com/edpsych/connect-billing/pkg/httputil"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/reconciler"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
)

// maxBodyBytes caps request bodies. Webhook payloads are the largest
// thing we accept and stay well under this.
const maxBodyBytes = 1 << 20

// Authorizer decides and inspects fair-usage admissions. *gate.Gate
// satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, userID string, feature catalog.Feature, quantity int64) (*gate.Decision, error)
	Inspect(ctx context.Context, userID string, feature catalog.Feature) (*gate.UsageStatus, error)
}

// EventHandler processes a raw payment-provider webhook payload.
// *reconciler.Reconciler satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// Server is the billing HTTP API server
type Server struct {
	gate          Authorizer
	credits       ledger.Service
	subs          subscriptions.Store
	records       reconciler.RecordStore
	events        EventHandler
	webhookSecret string
	logger        *observability.Logger
	router        *mux.Router
}

// Config carries the dependencies of the HTTP API
type Config struct {
	Gate          Authorizer
	Credits       ledger.Service
	Subscriptions subscriptions.Store
	Records       reconciler.RecordStore
	Events        EventHandler
	WebhookSecret string
	Logger        *observability.Logger
}

// NewServer creates a billing API server with all routes registered
func NewServer(cfg Config) *Server {
	s := &Server{
		gate:          cfg.Gate,
		credits:       cfg.Credits,
		subs:          cfg.Subscriptions,
		records:       cfg.Records,
		events:        cfg.Events,
		webhookSecret: cfg.WebhookSecret,
		logger:        cfg.Logger,
		router:        mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/usage/authorize", s.handleAuthorize).Methods("POST")
	api.HandleFunc("/users/{id}/usage/{feature}", s.handleGetUsage).Methods("GET")
	api.HandleFunc("/users/{id}/credits", s.handleGetCredits).Methods("GET")
	api.HandleFunc("/users/{id}/credits", s.handleGrantCredits).Methods("POST")
	api.HandleFunc("/users/{id}/credits/transactions", s.handleListTransactions).Methods("GET")
	api.HandleFunc("/users/{id}/subscription", s.handleGetSubscription).Methods("GET")
	api.HandleFunc("/users/{id}/billing/records", s.handleListBillingRecords).Methods("GET")
	api.HandleFunc("/billing/webhook", s.handleWebhook).Methods("POST")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the router wrapped in the standard middleware chain
func (s *Server) Handler() http.Handler {
	return httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.MaxBytesMiddleware(maxBodyBytes),
	)(s.router)
}
