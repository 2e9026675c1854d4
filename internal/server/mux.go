// Package server provides the HTTP surface for decent-sync: health,
// workspace webhook, and manual sync trigger endpoints.
package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/decent-sync/internal/reconcile"
)

// maxWebhookBody caps webhook payload reads. Workspace change
// notifications are small; anything larger is rejected.
const maxWebhookBody = 1 << 20

// Triggerer requests an immediate reconciliation cycle.
type Triggerer interface {
	TriggerNow()
}

// StatsSource reports the outcome of the most recent cycle.
type StatsSource interface {
	LastStats() *reconcile.CycleStats
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Trigger Triggerer
	Stats   StatsSource
	Logger  *slog.Logger

	// WebhookSecret enables the workspace webhook endpoint when set.
	WebhookSecret string

	// AdminTokenHash is the bcrypt hash accepted by the manual trigger
	// endpoint. The endpoint is not registered when empty.
	AdminTokenHash string
}

// NewMux builds the HTTP mux. The webhook and trigger endpoints are
// only registered when their credentials are configured, so an
// unconfigured deployment exposes nothing that mutates state.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth(cfg.Stats))

	if cfg.WebhookSecret != "" {
		mux.HandleFunc("POST /webhook/workspace", handleWebhook(cfg.Trigger, cfg.WebhookSecret, cfg.Logger))
	}

	if cfg.AdminTokenHash != "" {
		mux.HandleFunc("POST /sync/trigger", handleTrigger(cfg.Trigger, cfg.AdminTokenHash, cfg.Logger))
	}

	return mux
}

type healthResponse struct {
	Status    string                `json:"status"`
	LastCycle *reconcile.CycleStats `json:"lastCycle,omitempty"`
}

func handleHealth(stats StatsSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		if stats != nil {
			resp.LastCycle = stats.LastStats()
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// handleWebhook verifies the workspace change notification signature
// and requests a cycle. The signature is the hex HMAC-SHA256 of the
// raw request body, sent in X-Workspace-Signature with an optional
// "sha256=" prefix.
func handleWebhook(trigger Triggerer, secret string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}

		sig := strings.TrimPrefix(r.Header.Get("X-Workspace-Signature"), "sha256=")
		if !verifySignature(secret, body, sig) {
			logger.Warn("webhook signature mismatch", slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid signature", http.StatusUnauthorized)

			return
		}

		logger.Info("workspace webhook received, requesting sync cycle")
		trigger.TriggerNow()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func verifySignature(secret string, body []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil || len(want) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hmac.Equal(mac.Sum(nil), want)
}

// handleTrigger requests a cycle when the caller presents the admin
// token. The token is checked against a bcrypt hash so the plain token
// never lives in the environment.
func handleTrigger(trigger Triggerer, tokenHash string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "missing bearer token", http.StatusUnauthorized)

			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(token)); err != nil {
			logger.Warn("sync trigger rejected", slog.String("remote", r.RemoteAddr))
			http.Error(w, "invalid token", http.StatusUnauthorized)

			return
		}

		logger.Info("manual sync trigger accepted")
		trigger.TriggerNow()

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")

	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}

	return token, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
