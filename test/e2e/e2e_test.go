package e2e_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/decent-sync/internal/reconcile"
	"github.com/alexjbarnes/decent-sync/internal/server"
)

const queuedProfile = `{
	"title": "Turbo Bloom",
	"temperature": 92,
	"phases": [
		{"phase": "preinfusion", "pump": {"target": "flow", "flow": 4}},
		{"pump": {"pressure": 8.5}}
	]
}`

// --- full push pipeline over real wire protocols ---

func TestQueuedProfilePushedEndToEnd(t *testing.T) {
	h := newHarness(t)
	pageID := h.ws.addRecord("Turbo Bloom", queuedProfile, "Queued")

	h.runCycle(t)

	require.Equal(t, 1, h.dev.count())

	doc := h.dev.profile("dev-1")
	require.NotNil(t, doc)
	assert.Equal(t, "Turbo Bloom", doc["title"])

	// Device-side defaults filled on push.
	phases := doc["phases"].([]any)
	second := phases[1].(map[string]any)
	assert.Equal(t, "brew", second["phase"])
	assert.Equal(t, float64(1), second["valve"])
	assert.Equal(t, "pressure", second["pump"].(map[string]any)["target"])

	// Workspace record converged: identity written back, marked pushed
	// and active.
	assert.Equal(t, "Pushed", h.ws.prop(pageID, "pushStatus"))
	assert.Equal(t, true, h.ws.prop(pageID, "activeOnMachine"))

	stored, _ := h.ws.prop(pageID, "profileJson").(string)
	assert.Equal(t, "dev-1", gjson.Get(stored, "id").String())
}

func TestSecondCycleIsIdempotent(t *testing.T) {
	h := newHarness(t)
	pageID := h.ws.addRecord("Turbo Bloom", queuedProfile, "Queued")

	h.runCycle(t)
	h.runCycle(t)

	assert.Equal(t, 1, h.dev.count())
	assert.Equal(t, "Pushed", h.ws.prop(pageID, "pushStatus"))
}

func TestSelectedRecordActivatesOnDevice(t *testing.T) {
	h := newHarness(t)
	pageID := h.ws.addRecord("Turbo Bloom", queuedProfile, "Queued")

	h.runCycle(t)

	// Promote to selected in the workspace; the pushed record syncs the
	// preference on the next cycle.
	h.ws.mu.Lock()
	h.ws.findLocked(pageID).Props["selected"] = true
	h.ws.mu.Unlock()

	h.runCycle(t)
	assert.Equal(t, "dev-1", h.dev.selectedID())
}

func TestArchivedProfileDeletedFromDevice(t *testing.T) {
	h := newHarness(t)
	pageID := h.ws.addRecord("Old Shot", queuedProfile, "Queued")

	h.runCycle(t)
	require.Equal(t, 1, h.dev.count())

	h.ws.mu.Lock()
	h.ws.findLocked(pageID).Props["pushStatus"] = "Archived"
	h.ws.mu.Unlock()

	h.runCycle(t)

	assert.Equal(t, 0, h.dev.count())
	assert.Equal(t, "Archived", h.ws.prop(pageID, "pushStatus"))
	assert.Equal(t, false, h.ws.prop(pageID, "activeOnMachine"))
}

func TestDeviceProfileImportedAsDraft(t *testing.T) {
	h := newHarness(t)
	h.dev.seed("dev-77", map[string]any{
		"id":          "dev-77",
		"title":       "Machine Original",
		"temperature": float64(90),
		"phases":      []any{map[string]any{"phase": "brew"}},
	})

	h.runCycle(t)

	require.Equal(t, 1, h.ws.pageCount())

	h.ws.mu.Lock()
	created := h.ws.pages[0]
	h.ws.mu.Unlock()

	assert.Equal(t, "Machine Original", created.Props["name"])
	assert.Equal(t, "Draft", created.Props["pushStatus"])

	// Chart image uploaded for the new draft.
	assert.Equal(t, []string{created.ID}, h.ws.uploads)
}

// --- HTTP surface wired to a live scheduler ---

func TestTriggerEndpointRunsCycle(t *testing.T) {
	h := newHarness(t)
	pageID := h.ws.addRecord("Turbo Bloom", queuedProfile, "Queued")

	scheduler := reconcile.NewScheduler(h.engine, time.Hour, quietLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- scheduler.Run(ctx) }()

	// The immediate startup cycle converges the queued record.
	waitFor(t, 2*time.Second, func() bool {
		return h.ws.prop(pageID, "pushStatus") == "Pushed"
	})

	// Requeue and fire the manual trigger through the HTTP mux.
	h.ws.mu.Lock()
	h.ws.findLocked(pageID).Props["pushStatus"] = "Queued"
	h.ws.mu.Unlock()

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-token"), bcrypt.MinCost)
	require.NoError(t, err)

	mux := server.NewMux(server.MuxConfig{
		Trigger:        scheduler,
		Stats:          h.engine,
		Logger:         quietLogger,
		AdminTokenHash: string(hash),
	})

	req := httptest.NewRequest(http.MethodPost, "/sync/trigger", strings.NewReader(""))
	req.Header.Set("Authorization", "Bearer admin-token")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	waitFor(t, 2*time.Second, func() bool {
		return h.ws.prop(pageID, "pushStatus") == "Pushed"
	})

	// Health reflects the completed cycle.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", gjson.Get(rec.Body.String(), "lastCycle.outcome").String())

	cancel()
	<-done
}
