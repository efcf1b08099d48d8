package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/dkeye/Televisit/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	wsWriteWait      = 5 * time.Second
	wsRedialAttempts = 5
	wsRedialBackoff  = 250 * time.Millisecond
)

// RelayError is a non-success answer from the relay.
type RelayError struct {
	Status  int
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %d %s", e.Status, e.Message)
}

// WebSocket joins over HTTP and then exchanges frames with the relay over a
// single websocket. Every Send waits for the relay's ack for that message.
type WebSocket struct {
	base   *url.URL
	client *http.Client
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	sid  domain.SessionID
	pid  domain.ParticipantID
	// registered is set once the relay accepted the join, joined once the
	// websocket is up as well.
	registered bool
	joining    bool
	joined     bool
	closed     bool
	handler    func(domain.SignalingMessage)
	acks       map[string]chan error
	ctx        context.Context
	cancel     context.CancelFunc

	writeMu sync.Mutex
}

// NewWebSocket takes the relay base URL, e.g. http://localhost:8080.
func NewWebSocket(baseURL string) (*WebSocket, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocket{
		base:   u,
		client: &http.Client{Jar: jar, Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{Jar: jar, HandshakeTimeout: 10 * time.Second},
		logger: log.With().Str("module", "signal").Str("transport", "ws").Logger(),
		acks:   make(map[string]chan error),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (t *WebSocket) OnMessage(fn func(domain.SignalingMessage)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

func (t *WebSocket) sessionURL(sid domain.SessionID, suffix string) string {
	return t.base.String() + "/api/sessions/" + url.PathEscape(string(sid)) + suffix
}

// Join registers with the relay and opens the websocket. A failed dial leaves
// the transport unjoined so Join can be retried; the relay side of the join
// is idempotent and keeps messages already queued for this participant.
func (t *WebSocket) Join(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID, role domain.Role) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrClosed
	case t.joined || t.joining:
		t.mu.Unlock()
		return ErrAlreadyJoined
	case t.registered && (t.sid != sid || t.pid != pid):
		t.mu.Unlock()
		return ErrAlreadyJoined
	}
	t.joining = true
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.joining = false
		t.mu.Unlock()
	}()

	if err := t.post(ctx, t.sessionURL(sid, "/join"), relay.JoinRequest{ParticipantID: pid, Role: role}); err != nil {
		return err
	}
	t.mu.Lock()
	t.sid, t.pid, t.registered = sid, pid, true
	t.mu.Unlock()

	conn, err := t.dial(ctx, sid, pid)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn, t.joined = conn, true
	t.logger = t.logger.With().Str("sid", string(sid)).Str("participant", string(pid)).Logger()
	t.mu.Unlock()

	go t.readLoop(conn)
	return nil
}

func (t *WebSocket) post(ctx context.Context, target string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&e)
	rerr := &RelayError{Status: resp.StatusCode, Message: e.Error}
	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %w", relay.ErrSessionFull, rerr)
	}
	return rerr
}

func (t *WebSocket) dial(ctx context.Context, sid domain.SessionID, pid domain.ParticipantID) (*websocket.Conn, error) {
	u := *t.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/api/sessions/" + string(sid) + "/ws"
	u.RawQuery = url.Values{"participant_id": {string(pid)}}.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	return conn, nil
}

func (t *WebSocket) setConn(conn *websocket.Conn) {
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
}

func (t *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			t.failAcks(err)
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn().Err(err).Msg("relay connection lost")
			next, rerr := t.redial()
			if rerr != nil {
				t.logger.Error().Err(rerr).Msg("relay unreachable")
				return
			}
			conn = next
			continue
		}

		var f relay.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.logger.Warn().Err(err).Msg("bad frame")
			continue
		}
		switch f.Type {
		case relay.FrameSignal:
			if f.Message != nil {
				deliver(t.logger, *f.Message, t.currentHandler())
			}
		case relay.FrameAck:
			t.resolve(f.ID, nil)
		case relay.FrameError:
			t.resolve(f.ID, errors.New(f.Error))
		case relay.FramePong:
		default:
			t.logger.Warn().Str("type", string(f.Type)).Msg("unknown frame")
		}
	}
}

// redial reconnects with linear backoff; the relay keeps undelivered
// messages queued in the meantime.
func (t *WebSocket) redial() (*websocket.Conn, error) {
	t.mu.Lock()
	sid, pid := t.sid, t.pid
	t.mu.Unlock()
	var err error
	for attempt := 1; attempt <= wsRedialAttempts; attempt++ {
		select {
		case <-t.ctx.Done():
			return nil, ErrClosed
		case <-time.After(time.Duration(attempt) * wsRedialBackoff):
		}
		var conn *websocket.Conn
		conn, err = t.dial(t.ctx, sid, pid)
		if err == nil {
			t.setConn(conn)
			t.logger.Info().Int("attempt", attempt).Msg("relay reconnected")
			return conn, nil
		}
	}
	return nil, err
}

func (t *WebSocket) currentHandler() func(domain.SignalingMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

func (t *WebSocket) resolve(id string, err error) {
	t.mu.Lock()
	ch, ok := t.acks[id]
	delete(t.acks, id)
	t.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (t *WebSocket) forget(id string) {
	t.mu.Lock()
	delete(t.acks, id)
	t.mu.Unlock()
}

func (t *WebSocket) failAcks(err error) {
	t.mu.Lock()
	acks := t.acks
	t.acks = make(map[string]chan error)
	t.mu.Unlock()
	for _, ch := range acks {
		ch <- err
	}
}

// Send writes the message and waits for the relay to accept it.
func (t *WebSocket) Send(ctx context.Context, msg domain.SignalingMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	w, err := msg.Wire()
	if err != nil {
		return err
	}

	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return ErrClosed
	case !t.joined || t.conn == nil:
		t.mu.Unlock()
		return ErrNotJoined
	}
	conn := t.conn
	ack := make(chan error, 1)
	t.acks[w.ID] = ack
	t.mu.Unlock()

	if err := t.write(conn, relay.Frame{Type: relay.FrameSignal, ID: w.ID, Message: &w}); err != nil {
		t.forget(w.ID)
		return fmt.Errorf("relay write: %w", err)
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		t.forget(w.ID)
		return ctx.Err()
	case <-t.ctx.Done():
		return ErrClosed
	}
}

func (t *WebSocket) write(conn *websocket.Conn, f relay.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

// Close leaves the session on the relay and closes the websocket.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, registered, sid, pid := t.conn, t.registered, t.sid, t.pid
	t.mu.Unlock()

	t.cancel()
	t.failAcks(ErrClosed)
	if !registered {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var errs []error
	if err := t.post(ctx, t.sessionURL(sid, "/leave"), relay.LeaveRequest{ParticipantID: pid}); err != nil {
		errs = append(errs, err)
	}
	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
	t.logger.Info().Msg("left session")
	return errors.Join(errs...)
}

// Complete reports the session outcome to the relay, which persists it. It
// still works after Close.
func (t *WebSocket) Complete(ctx context.Context, sum domain.SessionSummary) error {
	if sum.SessionID == "" {
		return fmt.Errorf("complete: %w", domain.ErrMissingRoute)
	}
	return t.post(ctx, t.sessionURL(sum.SessionID, "/complete"), relay.CompleteRequest{
		EndedAt:          sum.EndedAt,
		FinalQualityTier: sum.FinalQualityTier,
	})
}
