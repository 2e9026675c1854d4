package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/reconcile"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// --- fake machine controller ---

// deviceServer speaks the controller's websocket protocol over an
// httptest server, backed by an in-memory profile store.
type deviceServer struct {
	srv *httptest.Server

	mu        sync.Mutex
	profiles  map[string]map[string]any
	favorites map[string]bool
	selected  string
	nextID    int
}

func newDeviceServer(t *testing.T) *deviceServer {
	t.Helper()

	ds := &deviceServer{
		profiles:  make(map[string]map[string]any),
		favorites: make(map[string]bool),
	}

	ds.srv = httptest.NewServer(http.HandlerFunc(ds.handle))
	t.Cleanup(ds.srv.Close)

	return ds
}

// url returns the websocket endpoint.
func (ds *deviceServer) url() string {
	return "ws" + strings.TrimPrefix(ds.srv.URL, "http")
}

func (ds *deviceServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		out, err := json.Marshal(ds.dispatch(data))
		if err != nil {
			return
		}

		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			return
		}
	}
}

func (ds *deviceServer) dispatch(frame []byte) map[string]any {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	seq := gjson.GetBytes(frame, "seq").Int()
	resp := map[string]any{"seq": seq}

	switch op := gjson.GetBytes(frame, "op").String(); op {
	case "profiles.list":
		list := make([]map[string]any, 0, len(ds.profiles))

		for id, doc := range ds.profiles {
			item := make(map[string]any, len(doc)+3)
			for k, v := range doc {
				item[k] = v
			}

			item["id"] = id
			item["favorite"] = ds.favorites[id]
			item["selected"] = ds.selected == id

			list = append(list, item)
		}

		resp["profiles"] = list

	case "profiles.save":
		var doc map[string]any
		if err := json.Unmarshal([]byte(gjson.GetBytes(frame, "profile").Raw), &doc); err != nil {
			resp["error"] = "malformed profile"
			break
		}

		id, _ := doc["id"].(string)
		if id == "" {
			ds.nextID++
			id = fmt.Sprintf("dev-%d", ds.nextID)
			doc["id"] = id
		}

		ds.profiles[id] = doc
		resp["id"] = id

	case "profiles.delete":
		id := gjson.GetBytes(frame, "id").String()
		if _, ok := ds.profiles[id]; !ok {
			resp["error"] = "no such profile"
			break
		}

		delete(ds.profiles, id)
		delete(ds.favorites, id)

	case "profiles.favorite":
		ds.favorites[gjson.GetBytes(frame, "id").String()] = gjson.GetBytes(frame, "favorite").Bool()

	case "profiles.select":
		ds.selected = gjson.GetBytes(frame, "id").String()

	case "shots.list":
		resp["shots"] = []map[string]any{}

	default:
		resp["error"] = "unknown op " + op
	}

	return resp
}

func (ds *deviceServer) profile(id string) map[string]any {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.profiles[id]
}

func (ds *deviceServer) seed(id string, doc map[string]any) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.profiles[id] = doc
}

func (ds *deviceServer) count() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return len(ds.profiles)
}

func (ds *deviceServer) selectedID() string {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return ds.selected
}

// --- fake workspace API ---

type page struct {
	ID    string
	Props map[string]any
}

// workspaceServer implements the record store REST surface over an
// in-memory page list.
type workspaceServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	pages    []*page
	uploads  []string
	nextPage int
}

func newWorkspaceServer(t *testing.T) *workspaceServer {
	t.Helper()

	ws := &workspaceServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /databases/{db}/query", ws.handleQuery)
	mux.HandleFunc("PATCH /pages/{id}", ws.handlePatch)
	mux.HandleFunc("POST /pages", ws.handleCreate)
	mux.HandleFunc("POST /pages/{id}/attachments", ws.handleAttachment)

	ws.srv = httptest.NewServer(mux)
	t.Cleanup(ws.srv.Close)

	return ws
}

func (ws *workspaceServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	results := make([]map[string]any, 0, len(ws.pages))
	for _, p := range ws.pages {
		results = append(results, map[string]any{"id": p.ID, "properties": p.Props})
	}

	writeJSON(w, map[string]any{"results": results, "hasMore": false})
}

func (ws *workspaceServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	p := ws.findLocked(r.PathValue("id"))
	if p == nil {
		http.Error(w, "no such page", http.StatusNotFound)
		return
	}

	body, _ := io.ReadAll(r.Body)

	var patch struct {
		Properties map[string]any `json:"properties"`
	}

	if err := json.Unmarshal(body, &patch); err != nil {
		http.Error(w, "bad patch", http.StatusBadRequest)
		return
	}

	for k, v := range patch.Properties {
		p.Props[k] = v
	}

	writeJSON(w, map[string]any{"id": p.ID})
}

func (ws *workspaceServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	body, _ := io.ReadAll(r.Body)

	var req struct {
		Properties map[string]any `json:"properties"`
	}

	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "bad page", http.StatusBadRequest)
		return
	}

	ws.nextPage++
	p := &page{ID: fmt.Sprintf("page-%d", ws.nextPage), Props: req.Properties}
	ws.pages = append(ws.pages, p)

	writeJSON(w, map[string]any{"id": p.ID})
}

func (ws *workspaceServer) handleAttachment(w http.ResponseWriter, r *http.Request) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.uploads = append(ws.uploads, r.PathValue("id"))
	writeJSON(w, map[string]any{"ok": true})
}

func (ws *workspaceServer) findLocked(pageID string) *page {
	for _, p := range ws.pages {
		if p.ID == pageID {
			return p
		}
	}

	return nil
}

// addRecord seeds a workspace page and returns its ID.
func (ws *workspaceServer) addRecord(name, profileJSON, status string) string {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.nextPage++
	id := fmt.Sprintf("page-%d", ws.nextPage)
	ws.pages = append(ws.pages, &page{ID: id, Props: map[string]any{
		"name":        name,
		"profileJson": profileJSON,
		"pushStatus":  status,
	}})

	return id
}

// prop returns one property of a page, nil if absent.
func (ws *workspaceServer) prop(pageID, key string) any {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	p := ws.findLocked(pageID)
	if p == nil {
		return nil
	}

	return p.Props[key]
}

func (ws *workspaceServer) pageCount() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	return len(ws.pages)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// --- harness ---

type harness struct {
	dev    *deviceServer
	ws     *workspaceServer
	engine *reconcile.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ds := newDeviceServer(t)
	wss := newWorkspaceServer(t)

	devClient := device.NewClient(ds.url(), quietLogger)
	t.Cleanup(devClient.Close)

	wsClient := workspace.NewClient(wss.srv.URL, "test-token", "db-test", nil)
	engine := reconcile.NewEngine(devClient, wsClient, quietLogger)

	return &harness{dev: ds, ws: wss, engine: engine}
}

func (h *harness) runCycle(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.RunCycle(context.Background()))
}
