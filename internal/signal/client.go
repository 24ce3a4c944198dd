package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avolkov/peercall/internal/models"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/gorilla/websocket"
)

// Client is the remote Channel implementation used by native peers. Writes go
// over the REST surface; snapshots arrive over one shared websocket that
// multiplexes per-call watches.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	watches  map[string]map[string]SnapshotFunc
	incoming map[string]SnapshotFunc
	closed   bool
	done     chan struct{}
}

// NewClient connects the snapshot websocket and returns a ready client.
// baseURL is the server origin, e.g. "https://call.example.org".
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		watches:    make(map[string]map[string]SnapshotFunc),
		incoming:   make(map[string]SnapshotFunc),
		done:       make(chan struct{}),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) connect() error {
	wsURL, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/api/ws"
	wsURL.RawQuery = url.Values{"token": {c.token}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("dial signaling websocket: %w", err)
	}
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	c.conn = conn
	return nil
}

func (c *Client) Create(ctx context.Context, rec models.CallRecord) error {
	body := map[string]any{
		"peer_id": rec.OtherParticipant(rec.CreatedBy),
		"offer":   rec.Offer,
	}
	return c.do(ctx, http.MethodPost, "/api/calls/"+rec.CallID, body, nil)
}

func (c *Client) Update(ctx context.Context, callID string, patch Patch) error {
	body := map[string]any{}
	if patch.Offer != nil {
		body["offer"] = patch.Offer
	}
	if patch.Answer != nil {
		body["answer"] = patch.Answer
	}
	if patch.Status != nil {
		body["status"] = patch.Status
	}
	return c.do(ctx, http.MethodPatch, "/api/calls/"+callID, body, nil)
}

func (c *Client) AddCandidate(ctx context.Context, callID, participantID string, cand models.Candidate) error {
	// The server keys the append by the authenticated user, which is always
	// the participant this client acts for.
	body := map[string]any{"candidate": cand}
	return c.do(ctx, http.MethodPost, "/api/calls/"+callID+"/candidates", body, nil)
}

func (c *Client) DeleteFields(ctx context.Context, callID string, fields ...Field) error {
	body := map[string]any{"fields": fields}
	return c.do(ctx, http.MethodDelete, "/api/calls/"+callID+"/fields", body, nil)
}

func (c *Client) Get(ctx context.Context, callID string) (models.CallRecord, error) {
	var rec models.CallRecord
	err := c.do(ctx, http.MethodGet, "/api/calls/"+callID, nil, &rec)
	return rec, err
}

// Subscribe watches callID over the shared websocket. The first snapshot is
// fetched over REST so subscribers start from current state even if the
// watch races a quiet record.
func (c *Client) Subscribe(callID string, fn SnapshotFunc) (func(), error) {
	subID, err := gonanoid.New(8)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("signaling client closed")
	}
	subs, ok := c.watches[callID]
	if !ok {
		subs = make(map[string]SnapshotFunc)
		c.watches[callID] = subs
	}
	first := len(subs) == 0
	subs[subID] = fn
	c.mu.Unlock()

	if first {
		if err := c.writeJSON(map[string]string{"type": "watch", "call_id": callID}); err != nil {
			c.dropWatch(callID, subID)
			return nil, fmt.Errorf("send watch: %w", err)
		}
	} else {
		// Only one watch per call is held on the wire, so the server's
		// initial replay went to the first subscriber. Later subscribers
		// fetch current state themselves.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if rec, err := c.Get(ctx, callID); err == nil {
				fn(rec)
			}
		}()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() { c.dropWatch(callID, subID) })
	}
	return cancel, nil
}

// SubscribeIncoming registers fn for calls created by other users that name
// this client's user as a participant.
func (c *Client) SubscribeIncoming(fn SnapshotFunc) (func(), error) {
	subID, err := gonanoid.New(8)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("signaling client closed")
	}
	c.incoming[subID] = fn
	c.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.incoming, subID)
			c.mu.Unlock()
		})
	}
	return cancel, nil
}

// Close tears down the websocket. In-flight REST calls are unaffected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) dropWatch(callID, subID string) {
	c.mu.Lock()
	subs, ok := c.watches[callID]
	if ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(c.watches, callID)
		}
	}
	last := ok && len(subs) == 0
	closed := c.closed
	c.mu.Unlock()

	if last && !closed {
		if err := c.writeJSON(map[string]string{"type": "unwatch", "call_id": callID}); err != nil {
			c.logger.Warn("send unwatch failed", "call_id", callID, "error", err)
		}
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		if !c.closed {
			c.closed = true
			close(c.done)
		}
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	}()

	for {
		var msg struct {
			Type   string             `json:"type"`
			CallID string             `json:"call_id"`
			Record *models.CallRecord `json:"record"`
		}
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn("signaling websocket closed", "error", err)
			}
			return
		}
		if msg.Record == nil {
			continue
		}

		c.mu.Lock()
		var fns []SnapshotFunc
		switch msg.Type {
		case "snapshot":
			for _, fn := range c.watches[msg.CallID] {
				fns = append(fns, fn)
			}
		case "incoming-call":
			for _, fn := range c.incoming {
				fns = append(fns, fn)
			}
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(msg.Record.Clone())
		}
	}
}

func (c *Client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		return ErrCallNotFound
	case http.StatusConflict:
		return ErrCallExists
	case http.StatusGone:
		return ErrCallEnded
	default:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
