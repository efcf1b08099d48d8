package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Televisit/internal/config"
	"github.com/dkeye/Televisit/internal/domain"
	"github.com/dkeye/Televisit/internal/store"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		Mode:        "release",
		Secret:      "test-secret",
		ReadLimit:   1 << 16,
		PingPeriod:  time.Second,
		SignalRate:  1000,
		SignalBurst: 1000,
		PollWait:    2 * time.Second,
	}
}

func newTestServer(t *testing.T, cfg config.ServerConfig) (*httptest.Server, *Hub) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(0)
	srv := httptest.NewServer(NewServer(cfg, hub, st).SetupRouter(ctx))
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func join(t *testing.T, base string, sid domain.SessionID, pid domain.ParticipantID, role domain.Role) *http.Response {
	t.Helper()
	return postJSON(t, base+"/api/sessions/"+string(sid)+"/join", JoinRequest{ParticipantID: pid, Role: role})
}

func offerWire(t *testing.T, sid domain.SessionID, from, to domain.ParticipantID) domain.WireMessage {
	t.Helper()
	msg := domain.NewDescriptionSignal(sid, from, to, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	w, err := msg.Wire()
	require.NoError(t, err)
	return w
}

func TestHubJoinLimits(t *testing.T) {
	hub := NewHub(0)
	require.NoError(t, hub.Join("s1", "doc", domain.RoleCaller))
	require.NoError(t, hub.Join("s1", "doc", domain.RoleCaller), "rejoin is a no-op")
	assert.ErrorIs(t, hub.Join("s1", "doc2", domain.RoleCaller), ErrRoleTaken)
	require.NoError(t, hub.Join("s1", "pat", domain.RoleCallee))
	assert.ErrorIs(t, hub.Join("s1", "third", domain.RoleCallee), ErrSessionFull)
	assert.Len(t, hub.Participants("s1"), 2)

	hub.Leave("s1", "pat")
	require.NoError(t, hub.Join("s1", "pat2", domain.RoleCallee))
}

func TestHubHoldsMessagesForLateJoiner(t *testing.T) {
	hub := NewHub(0)
	require.NoError(t, hub.Join("s1", "doc", domain.RoleCaller))
	require.NoError(t, hub.Signal(offerWire(t, "s1", "doc", "pat")))

	_, err := hub.Drain("s1", "pat")
	assert.ErrorIs(t, err, ErrNotJoined)

	require.NoError(t, hub.Join("s1", "pat", domain.RoleCallee))
	msgs, err := hub.Drain("s1", "pat")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalOffer, msgs[0].SignalType)
}

func TestHubQueueBound(t *testing.T) {
	hub := NewHub(2)
	require.NoError(t, hub.Join("s1", "doc", domain.RoleCaller))
	require.NoError(t, hub.Signal(offerWire(t, "s1", "doc", "pat")))
	require.NoError(t, hub.Signal(offerWire(t, "s1", "doc", "pat")))
	assert.ErrorIs(t, hub.Signal(offerWire(t, "s1", "doc", "pat")), ErrQueueFull)
}

func TestHubRejectsUnknownRecipient(t *testing.T) {
	hub := NewHub(0)
	require.NoError(t, hub.Join("s1", "doc", domain.RoleCaller))
	require.NoError(t, hub.Signal(offerWire(t, "s1", "doc", "pat")))

	assert.ErrorIs(t, hub.Signal(offerWire(t, "s1", "doc", "eve")), ErrUnknownRecipient)
	assert.ErrorIs(t, hub.Signal(offerWire(t, "s1", "doc", "doc")), ErrUnknownRecipient)

	// eve joins instead of pat and takes over the held slot.
	require.NoError(t, hub.Join("s1", "eve", domain.RoleCallee))
	require.NoError(t, hub.Signal(offerWire(t, "s1", "doc", "eve")))
	assert.ErrorIs(t, hub.Signal(offerWire(t, "s1", "doc", "pat")), ErrUnknownRecipient)

	msgs, err := hub.Drain("s1", "eve")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	hub.Requeue("s1", "pat", msgs)
	_, err = hub.Drain("s1", "pat")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestJoinConflict(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusOK, join(t, srv.URL, "s1", "doc", domain.RoleCaller).StatusCode)
	assert.Equal(t, http.StatusOK, join(t, srv.URL, "s1", "pat", domain.RoleCallee).StatusCode)
	assert.Equal(t, http.StatusConflict, join(t, srv.URL, "s1", "eve", domain.RoleCallee).StatusCode)
	assert.Equal(t, http.StatusBadRequest, join(t, srv.URL, "s1", "x", "nurse").StatusCode)

	resp, err := http.Get(srv.URL + "/api/sessions/s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, store.StatusActive, rec.Status)
}

func TestSignalAndLongPoll(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	join(t, srv.URL, "s1", "doc", domain.RoleCaller)
	join(t, srv.URL, "s1", "pat", domain.RoleCallee)

	got := make(chan MessagesResponse, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/api/sessions/s1/messages?participant_id=pat&wait=2s")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var mr MessagesResponse
		_ = json.NewDecoder(resp.Body).Decode(&mr)
		got <- mr
	}()

	time.Sleep(50 * time.Millisecond)
	resp := postJSON(t, srv.URL+"/api/sessions/s1/signal", offerWire(t, "s1", "doc", "pat"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	select {
	case mr := <-got:
		require.Len(t, mr.Messages, 1)
		assert.Equal(t, domain.ParticipantID("doc"), mr.Messages[0].From)
	case <-time.After(3 * time.Second):
		t.Fatal("long poll did not return")
	}

	resp2, err := http.Get(srv.URL + "/api/sessions/s1/messages?participant_id=pat")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var empty MessagesResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&empty))
	assert.Empty(t, empty.Messages)
}

func TestSignalValidation(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	join(t, srv.URL, "s1", "doc", domain.RoleCaller)

	bad := offerWire(t, "s1", "doc", "pat")
	bad.SignalData = nil
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/api/sessions/s1/signal", bad).StatusCode)

	stranger := offerWire(t, "s1", "eve", "pat")
	assert.Equal(t, http.StatusForbidden, postJSON(t, srv.URL+"/api/sessions/s1/signal", stranger).StatusCode)

	other := offerWire(t, "s2", "doc", "pat")
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/api/sessions/s1/signal", other).StatusCode)

	self := offerWire(t, "s1", "doc", "doc")
	assert.Equal(t, http.StatusNotFound, postJSON(t, srv.URL+"/api/sessions/s1/signal", self).StatusCode)

	require.Equal(t, http.StatusAccepted, postJSON(t, srv.URL+"/api/sessions/s1/signal", offerWire(t, "s1", "doc", "pat")).StatusCode)
	third := offerWire(t, "s1", "doc", "eve")
	assert.Equal(t, http.StatusNotFound, postJSON(t, srv.URL+"/api/sessions/s1/signal", third).StatusCode)
}

func TestSignalRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.SignalRate = 0.001
	cfg.SignalBurst = 2
	srv, _ := newTestServer(t, cfg)
	join(t, srv.URL, "s1", "doc", domain.RoleCaller)

	url := srv.URL + "/api/sessions/s1/signal"
	assert.Equal(t, http.StatusAccepted, postJSON(t, url, offerWire(t, "s1", "doc", "pat")).StatusCode)
	assert.Equal(t, http.StatusAccepted, postJSON(t, url, offerWire(t, "s1", "doc", "pat")).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, postJSON(t, url, offerWire(t, "s1", "doc", "pat")).StatusCode)
}

func TestWebsocketPushAndAck(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	join(t, srv.URL, "s1", "doc", domain.RoleCaller)
	join(t, srv.URL, "s1", "pat", domain.RoleCallee)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/s1/ws?participant_id="
	doc, _, err := websocket.DefaultDialer.Dial(wsURL+"doc", nil)
	require.NoError(t, err)
	defer doc.Close()
	pat, _, err := websocket.DefaultDialer.Dial(wsURL+"pat", nil)
	require.NoError(t, err)
	defer pat.Close()

	w := offerWire(t, "s1", "doc", "pat")
	require.NoError(t, doc.WriteJSON(Frame{Type: FrameSignal, ID: w.ID, Message: &w}))

	_ = doc.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ack Frame
	require.NoError(t, doc.ReadJSON(&ack))
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, w.ID, ack.ID)

	_ = pat.SetReadDeadline(time.Now().Add(3 * time.Second))
	var pushed Frame
	require.NoError(t, pat.ReadJSON(&pushed))
	assert.Equal(t, FrameSignal, pushed.Type)
	require.NotNil(t, pushed.Message)
	assert.Equal(t, w.ID, pushed.Message.ID)

	spoof := offerWire(t, "s1", "pat", "doc")
	require.NoError(t, doc.WriteJSON(Frame{Type: FrameSignal, ID: spoof.ID, Message: &spoof}))
	var rejected Frame
	require.NoError(t, doc.ReadJSON(&rejected))
	assert.Equal(t, FrameError, rejected.Type)
}

func TestWebsocketRequiresJoin(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/s1/ws?participant_id=ghost"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCompleteFirstWins(t *testing.T) {
	srv, _ := newTestServer(t, testConfig())
	join(t, srv.URL, "s1", "doc", domain.RoleCaller)

	ended := time.Now().UTC().Truncate(time.Millisecond)
	resp := postJSON(t, srv.URL+"/api/sessions/s1/complete", CompleteRequest{EndedAt: ended, FinalQualityTier: domain.QualityGood})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	postJSON(t, srv.URL+"/api/sessions/s1/complete", CompleteRequest{FinalQualityTier: domain.QualityPoor})

	r, err := http.Get(srv.URL + "/api/sessions/s1")
	require.NoError(t, err)
	defer r.Body.Close()
	var rec store.Record
	require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.Equal(t, domain.QualityGood, rec.FinalQualityTier)

	missing, err := http.Get(srv.URL + "/api/sessions/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}
