package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"cipherchat/pkg/types"
)

// wireEvent is a server frame with its payload left undecoded
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// testClient is a websocket client that collects server events
type testClient struct {
	name   string
	conn   *websocket.Conn
	events chan wireEvent
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// dialClient opens /ws; an empty token connects anonymously
func dialClient(ctx context.Context, baseURL, name, token string) (*testClient, *http.Response, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid server URL: %w", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to connect: %w", err)
	}

	tc := &testClient{
		name:   name,
		conn:   conn,
		events: make(chan wireEvent, 100),
		done:   make(chan struct{}),
	}
	go tc.readLoop()
	return tc, resp, nil
}

func (tc *testClient) readLoop() {
	defer close(tc.done)
	for {
		var ev wireEvent
		if err := tc.conn.ReadJSON(&ev); err != nil {
			return
		}
		select {
		case tc.events <- ev:
		default:
			// tests never fill the buffer; drop rather than block the reader
		}
	}
}

func (tc *testClient) send(t *testing.T, frame types.ClientFrame) {
	t.Helper()
	require.NoError(t, tc.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, tc.conn.WriteJSON(frame))
}

// receive waits for the next event of eventType, skipping others
func (tc *testClient) receive(t *testing.T, eventType string, timeout time.Duration) wireEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-tc.events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: timeout waiting for %s", tc.name, eventType)
		case <-tc.done:
			t.Fatalf("%s: disconnected while waiting for %s", tc.name, eventType)
		}
	}
}

// receivePresence waits for a presence event about identityID
func (tc *testClient) receivePresence(t *testing.T, eventType string, identityID int64) types.PresenceEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev := tc.receive(t, eventType, time.Until(deadline))
		var p types.PresenceEvent
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		if p.Identity.ID == identityID {
			return p
		}
	}
	t.Fatalf("%s: no %s for identity %d", tc.name, eventType, identityID)
	return types.PresenceEvent{}
}

func (tc *testClient) close() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return
	}
	tc.closed = true
	_ = tc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = tc.conn.Close()
}

// restCall sends a JSON request and decodes the envelope's data into out
func restCall(t *testing.T, method, target, token string, body, out interface{}) int {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, target, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	if out != nil && len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, out))
	}
	return resp.StatusCode
}
