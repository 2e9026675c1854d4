// Package device talks to the espresso-machine controller over its
// persistent WebSocket channel. Every call is request/response with a
// caller-side timeout; transport failures surface as ConnectivityError
// so the reconciler can distinguish an unreachable machine from a
// rejected payload.
package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// defaultCallTimeout bounds a single request/response exchange.
	defaultCallTimeout = 15 * time.Second

	// readLimit caps inbound frames. Shot records are the largest
	// payload the controller sends (~1MB); 8MB leaves headroom.
	readLimit = 8 * 1024 * 1024
)

// Profile is a brewing profile as held by the device. Raw carries the
// full document exactly as the device reported it, for drift
// comparison against the workspace template.
type Profile struct {
	ID          string
	Title       string
	Temperature float64
	Favorite    bool
	Selected    bool
	Utility     bool
	Raw         map[string]any
}

// ShotRef identifies one entry in the device's shot history.
type ShotRef struct {
	ID        int64
	Timestamp int64
}

// Conn abstracts the WebSocket connection so Client can be tested
// without a live machine. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Client issues CRUD and preference calls against the controller.
// Requests are serialized: the controller answers in order and the
// protocol has no interleaving, so one in-flight exchange at a time
// keeps the client trivially correct.
type Client struct {
	url         string
	callTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	conn Conn
	seq  int64

	dial func(ctx context.Context) (Conn, error)
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.callTimeout = d }
}

// WithConn injects an established connection, bypassing dialing.
// Used by tests.
func WithConn(conn Conn) Option {
	return func(c *Client) { c.conn = conn }
}

// NewClient creates a device client for the given WebSocket URL.
// The connection is dialed lazily on first use and re-dialed after a
// transport failure.
func NewClient(url string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		url:         url,
		callTimeout: defaultCallTimeout,
		logger:      logger,
	}

	c.dial = func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return nil, err
		}

		conn.SetReadLimit(readLimit)

		return conn, nil
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Close tears down the connection if one is open.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutting down")
		c.conn = nil
	}
}

// ensureConn dials if no connection is open. Caller must hold mu.
func (c *Client) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return &ConnectivityError{Err: fmt.Errorf("dialing device at %s: %w", c.url, err)}
	}

	c.logger.Debug("device connected", slog.String("url", c.url))
	c.conn = conn

	return nil
}

// request performs one JSON request/response exchange. The request
// carries a sequence number; frames with other sequence numbers are
// unsolicited device events and are skipped. A transport error drops
// the connection so the next call re-dials.
func (c *Client) request(ctx context.Context, op string, payload map[string]any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.seq++
	seq := c.seq

	frame := map[string]any{"op": op, "seq": seq}
	for k, v := range payload {
		frame[k] = v
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s request: %w", op, err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.dropConn()
		return nil, &ConnectivityError{Err: fmt.Errorf("writing %s request: %w", op, err)}
	}

	for {
		_, resp, err := c.conn.Read(ctx)
		if err != nil {
			c.dropConn()
			return nil, &ConnectivityError{Err: fmt.Errorf("reading %s response: %w", op, err)}
		}

		got := gjson.GetBytes(resp, "seq")
		if !got.Exists() || got.Int() != seq {
			c.logger.Debug("skipping unsolicited device frame",
				slog.String("op", gjson.GetBytes(resp, "op").Str),
			)

			continue
		}

		if errMsg := gjson.GetBytes(resp, "error"); errMsg.Exists() {
			return nil, fmt.Errorf("device rejected %s: %s", op, errMsg.Str)
		}

		return resp, nil
	}
}

// dropConn closes and forgets the connection. Caller must hold mu.
func (c *Client) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusInternalError, "transport failure")
		c.conn = nil
	}
}

// FetchProfiles returns every profile resident on the device.
func (c *Client) FetchProfiles(ctx context.Context) ([]Profile, error) {
	resp, err := c.request(ctx, "profiles.list", nil)
	if err != nil {
		return nil, err
	}

	var profiles []Profile

	for _, item := range gjson.GetBytes(resp, "profiles").Array() {
		var raw map[string]any
		if err := json.Unmarshal([]byte(item.Raw), &raw); err != nil {
			return nil, fmt.Errorf("decoding device profile: %w", err)
		}

		profiles = append(profiles, Profile{
			ID:          item.Get("id").String(),
			Title:       item.Get("title").String(),
			Temperature: item.Get("temperature").Float(),
			Favorite:    item.Get("favorite").Bool(),
			Selected:    item.Get("selected").Bool(),
			Utility:     item.Get("utility").Bool(),
			Raw:         raw,
		})
	}

	return profiles, nil
}

// SaveProfile creates or updates a profile on the device and returns
// the identity the device assigned. An identity present in the payload
// makes the device treat this as an update.
func (c *Client) SaveProfile(ctx context.Context, doc map[string]any) (string, error) {
	resp, err := c.request(ctx, "profiles.save", map[string]any{"profile": doc})
	if err != nil {
		return "", err
	}

	id := gjson.GetBytes(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("device save response missing profile id")
	}

	return id, nil
}

// DeleteProfile removes a profile from the device.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	_, err := c.request(ctx, "profiles.delete", map[string]any{"id": id})
	return err
}

// FavoriteProfile sets or clears the favorite flag.
func (c *Client) FavoriteProfile(ctx context.Context, id string, favorite bool) error {
	_, err := c.request(ctx, "profiles.favorite", map[string]any{"id": id, "favorite": favorite})
	return err
}

// SelectProfile makes the profile the machine's active selection.
func (c *Client) SelectProfile(ctx context.Context, id string) error {
	_, err := c.request(ctx, "profiles.select", map[string]any{"id": id})
	return err
}

// ListShots returns the device's shot-history index, oldest first.
func (c *Client) ListShots(ctx context.Context) ([]ShotRef, error) {
	resp, err := c.request(ctx, "shots.list", nil)
	if err != nil {
		return nil, err
	}

	var refs []ShotRef

	for _, item := range gjson.GetBytes(resp, "shots").Array() {
		refs = append(refs, ShotRef{
			ID:        item.Get("id").Int(),
			Timestamp: item.Get("timestamp").Int(),
		})
	}

	return refs, nil
}

// FetchShot downloads one raw binary shot record. The controller
// answers the request with a JSON size header followed by a single
// binary frame.
func (c *Client) FetchShot(ctx context.Context, id int64) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	c.seq++

	data, err := json.Marshal(map[string]any{"op": "shots.pull", "seq": c.seq, "id": id})
	if err != nil {
		return nil, fmt.Errorf("marshalling shots.pull request: %w", err)
	}

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.dropConn()
		return nil, &ConnectivityError{Err: fmt.Errorf("writing shots.pull request: %w", err)}
	}

	// Size header.
	_, header, err := c.conn.Read(ctx)
	if err != nil {
		c.dropConn()
		return nil, &ConnectivityError{Err: fmt.Errorf("reading shots.pull header: %w", err)}
	}

	if errMsg := gjson.GetBytes(header, "error"); errMsg.Exists() {
		return nil, fmt.Errorf("device rejected shots.pull: %s", errMsg.Str)
	}

	size := gjson.GetBytes(header, "size").Int()

	typ, body, err := c.conn.Read(ctx)
	if err != nil {
		c.dropConn()
		return nil, &ConnectivityError{Err: fmt.Errorf("reading shot %d body: %w", id, err)}
	}

	if typ != websocket.MessageBinary {
		return nil, fmt.Errorf("shot %d body: expected binary frame, got %v", id, typ)
	}

	if int64(len(body)) != size {
		return nil, fmt.Errorf("shot %d body: expected %d bytes, got %d", id, size, len(body))
	}

	return body, nil
}
