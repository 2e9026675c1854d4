package reconcile

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/decent-sync/internal/device"
	"github.com/alexjbarnes/decent-sync/internal/workspace"
	"github.com/tidwall/gjson"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

type favoriteCall struct {
	id       string
	favorite bool
}

// fakeDevice records every device mutation so tests can assert on the
// exact calls a cycle performed.
type fakeDevice struct {
	mu sync.Mutex

	profiles  []device.Profile
	fetchErr  error
	fetchHold chan struct{} // when non-nil, FetchProfiles blocks until closed

	saveErr    error
	saveID     string // identity returned by SaveProfile; default "dev-new"
	deleteErr  error
	prefErr    error
	fetchCalls int

	saved     []map[string]any
	deleted   []string
	favorites []favoriteCall
	selected  []string
}

func (f *fakeDevice) FetchProfiles(ctx context.Context) ([]device.Profile, error) {
	f.mu.Lock()
	f.fetchCalls++
	hold := f.fetchHold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, &device.ConnectivityError{Err: ctx.Err()}
		}
	}

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	return f.profiles, nil
}

func (f *fakeDevice) SaveProfile(_ context.Context, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.saveErr != nil {
		return "", f.saveErr
	}

	f.saved = append(f.saved, doc)

	if f.saveID != "" {
		return f.saveID, nil
	}

	return "dev-new", nil
}

func (f *fakeDevice) DeleteProfile(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.deleteErr != nil {
		return f.deleteErr
	}

	f.deleted = append(f.deleted, id)

	return nil
}

func (f *fakeDevice) FavoriteProfile(_ context.Context, id string, favorite bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prefErr != nil {
		return f.prefErr
	}

	f.favorites = append(f.favorites, favoriteCall{id: id, favorite: favorite})

	return nil
}

func (f *fakeDevice) SelectProfile(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.prefErr != nil {
		return f.prefErr
	}

	f.selected = append(f.selected, id)

	return nil
}

// mutationCount returns how many device-mutating calls were recorded.
func (f *fakeDevice) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.saved) + len(f.deleted) + len(f.favorites) + len(f.selected)
}

type statusWrite struct {
	pageID string
	status workspace.Status
	at     *time.Time
	active *bool
}

type jsonWrite struct {
	pageID string
	json   string
}

type draftCreate struct {
	name string
	doc  map[string]any
}

// fakeWorkspace serves a fixed index and records every write.
type fakeWorkspace struct {
	mu sync.Mutex

	records   []*workspace.Record
	listErr   error
	createErr error
	uploadErr error

	listCalls    int
	statusWrites []statusWrite
	jsonWrites   []jsonWrite
	created      []draftCreate
	uploads      []string
}

func (f *fakeWorkspace) ListExistingProfiles(context.Context) (*workspace.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	if f.listErr != nil {
		return nil, f.listErr
	}

	idx := &workspace.Index{
		ByID:   make(map[string]*workspace.Record),
		ByName: make(map[string]*workspace.Record),
	}

	for _, rec := range f.records {
		idx.All = append(idx.All, rec)

		if rec.DeviceID != "" {
			if _, dup := idx.ByID[rec.DeviceID]; !dup {
				idx.ByID[rec.DeviceID] = rec
			}
		}

		if rec.NormName != "" {
			idx.ByName[rec.NormName] = rec
		}
	}

	return idx, nil
}

func (f *fakeWorkspace) UpdatePushStatus(_ context.Context, pageID string, status workspace.Status, at *time.Time, active *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusWrites = append(f.statusWrites, statusWrite{pageID: pageID, status: status, at: at, active: active})

	return nil
}

func (f *fakeWorkspace) UpdateProfileJson(_ context.Context, pageID, profileJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jsonWrites = append(f.jsonWrites, jsonWrite{pageID: pageID, json: profileJSON})

	return nil
}

func (f *fakeWorkspace) CreateDraftProfile(_ context.Context, name string, doc map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return "", f.createErr
	}

	f.created = append(f.created, draftCreate{name: name, doc: doc})

	return "page-created", nil
}

func (f *fakeWorkspace) UploadProfileImage(_ context.Context, pageID, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return f.uploadErr
	}

	f.uploads = append(f.uploads, pageID)

	return nil
}

// statusOf returns the last status written for a page, or empty.
func (f *fakeWorkspace) statusOf(pageID string) workspace.Status {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := len(f.statusWrites) - 1; i >= 0; i-- {
		if f.statusWrites[i].pageID == pageID {
			return f.statusWrites[i].status
		}
	}

	return ""
}

func boolPtr(b bool) *bool { return &b }

func testEngine(dev *fakeDevice, ws *fakeWorkspace, opts ...EngineOption) *Engine {
	opts = append([]EngineOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewEngine(dev, ws, quietLogger, opts...)
}

func record(pageID, name, profileJSON string, status workspace.Status) *workspace.Record {
	rec := &workspace.Record{
		PageID:      pageID,
		Name:        name,
		ProfileJSON: profileJSON,
		Status:      status,
	}

	rec.NormName = normalizeUtilityName(name)

	if profileJSON != "" {
		if id := gjson.Get(profileJSON, "id"); id.Exists() && id.Type != gjson.Null {
			rec.DeviceID = id.String()
		}
	}

	return rec
}
