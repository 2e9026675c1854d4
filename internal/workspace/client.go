// Package workspace talks to the document-record store holding
// human-editable profile intent. Records are pages with a fixed
// property set; the engine only ever mutates push status, the device
// identity inside the stored JSON, and the active flag. Records are
// never deleted here.
package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/decent-sync/internal/textnorm"
	"github.com/tidwall/gjson"
)

const (
	// httpClientTimeout is the timeout for the default HTTP client
	// used when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads so a misbehaving
	// server cannot consume unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024

	// pageSize is the query page size for record listings.
	pageSize = 100
)

// Client talks to the workspace REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	databaseID string
}

// NewClient creates a workspace client. If httpClient is nil, a client
// with a 30-second timeout is used.
func NewClient(baseURL, token, databaseID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpClientTimeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		databaseID: databaseID,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do performs one authenticated JSON API call and returns the response
// body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, sanitizeResponseBody(data))
	}

	return data, nil
}

// recordFromPage maps one page object to a Record, deriving the
// normalized lookup name and the embedded device identity.
func recordFromPage(page gjson.Result) *Record {
	props := page.Get("properties")

	rec := &Record{
		PageID:      page.Get("id").String(),
		Name:        props.Get("name").String(),
		ProfileJSON: props.Get("profileJson").String(),
		Status:      Status(props.Get("pushStatus").String()),
		Favorite:    props.Get("favorite").Bool(),
		Selected:    props.Get("selected").Bool(),
		HasImage:    props.Get("hasImage").Bool(),
		Source:      props.Get("source").String(),
	}

	rec.NormName = textnorm.NormalizeName(rec.Name)

	// Tri-state: absent or null means unknown.
	if active := props.Get("activeOnMachine"); active.Exists() && active.Type != gjson.Null {
		b := active.Bool()
		rec.ActiveOnMachine = &b
	}

	if rec.ProfileJSON != "" {
		id := gjson.Get(rec.ProfileJSON, "id")
		if id.Exists() && id.Type != gjson.Null {
			rec.DeviceID = id.String()
		}
	}

	return rec
}

// ListExistingProfiles fetches every record in the profile database and
// builds the lookup indices. Duplicate identities keep the first record
// listed; the conflict detector works from All.
func (c *Client) ListExistingProfiles(ctx context.Context) (*Index, error) {
	idx := &Index{
		ByID:   make(map[string]*Record),
		ByName: make(map[string]*Record),
	}

	cursor := ""

	for {
		body := map[string]any{"pageSize": pageSize}
		if cursor != "" {
			body["startCursor"] = cursor
		}

		data, err := c.do(ctx, http.MethodPost, "/databases/"+c.databaseID+"/query", body)
		if err != nil {
			return nil, fmt.Errorf("listing profiles: %w", err)
		}

		for _, page := range gjson.GetBytes(data, "results").Array() {
			rec := recordFromPage(page)
			idx.All = append(idx.All, rec)

			if rec.DeviceID != "" {
				if _, dup := idx.ByID[rec.DeviceID]; !dup {
					idx.ByID[rec.DeviceID] = rec
				}
			}

			if rec.NormName != "" {
				if _, dup := idx.ByName[rec.NormName]; !dup {
					idx.ByName[rec.NormName] = rec
				}
			}
		}

		if !gjson.GetBytes(data, "hasMore").Bool() {
			return idx, nil
		}

		cursor = gjson.GetBytes(data, "nextCursor").String()
		if cursor == "" {
			return idx, nil
		}
	}
}

// UpdatePushStatus writes the push status and optionally the push
// timestamp and active flag. Nil leaves a property untouched.
func (c *Client) UpdatePushStatus(ctx context.Context, pageID string, status Status, pushedAt *time.Time, active *bool) error {
	props := map[string]any{"pushStatus": string(status)}

	if pushedAt != nil {
		props["pushedAt"] = pushedAt.UTC().Format(time.RFC3339)
	}

	if active != nil {
		props["activeOnMachine"] = *active
	}

	_, err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, map[string]any{"properties": props})
	if err != nil {
		return fmt.Errorf("updating push status for page %s: %w", pageID, err)
	}

	return nil
}

// UpdateProfileJson replaces the stored profile JSON.
func (c *Client) UpdateProfileJson(ctx context.Context, pageID, profileJSON string) error {
	_, err := c.do(ctx, http.MethodPatch, "/pages/"+pageID, map[string]any{
		"properties": map[string]any{"profileJson": profileJSON},
	})
	if err != nil {
		return fmt.Errorf("updating profile JSON for page %s: %w", pageID, err)
	}

	return nil
}

// CreateDraftProfile creates a new Draft record from a device profile
// and returns the new page identity.
func (c *Client) CreateDraftProfile(ctx context.Context, name string, doc map[string]any) (string, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshalling imported profile: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, "/pages", map[string]any{
		"databaseId": c.databaseID,
		"properties": map[string]any{
			"name":        name,
			"profileJson": string(payload),
			"pushStatus":  string(StatusDraft),
			"source":      "device-import",
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating draft for %q: %w", name, err)
	}

	pageID := gjson.GetBytes(data, "id").String()
	if pageID == "" {
		return "", fmt.Errorf("create draft response missing page id")
	}

	return pageID, nil
}

// UploadProfileImage attaches a rendered chart to a page. Callers treat
// failures as best-effort; an upload failure never fails an import.
func (c *Client) UploadProfileImage(ctx context.Context, pageID, name string, svg []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/pages/"+pageID+"/attachments", bytes.NewReader(svg))
	if err != nil {
		return fmt.Errorf("building attachment request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "image/svg+xml")
	req.Header.Set("X-Attachment-Name", name+".svg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading image for page %s: %w", pageID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("uploading image for page %s: status %d: %s", pageID, resp.StatusCode, sanitizeResponseBody(body))
	}

	return nil
}
