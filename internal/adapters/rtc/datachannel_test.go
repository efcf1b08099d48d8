package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is one end of an in-process channel pair.
type fakeChannel struct {
	mu        sync.Mutex
	state     webrtc.DataChannelState
	peer      *fakeChannel
	sent      []string
	onOpen    func()
	onClose   func()
	onMessage func(webrtc.DataChannelMessage)
}

func fakePair() (*fakeChannel, *fakeChannel) {
	a := &fakeChannel{state: webrtc.DataChannelStateConnecting}
	b := &fakeChannel{state: webrtc.DataChannelStateConnecting, peer: a}
	a.peer = b
	return a, b
}

func (f *fakeChannel) Label() string { return DataChannelLabel }

func (f *fakeChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) OnOpen(fn func()) {
	f.mu.Lock()
	f.onOpen = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

func (f *fakeChannel) OnMessage(fn func(webrtc.DataChannelMessage)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	f.sent = append(f.sent, s)
	peer := f.peer
	f.mu.Unlock()
	if peer == nil {
		return nil
	}
	peer.mu.Lock()
	fn := peer.onMessage
	peer.mu.Unlock()
	if fn != nil {
		fn(webrtc.DataChannelMessage{IsString: true, Data: []byte(s)})
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateClosed
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
	return nil
}

func (f *fakeChannel) open() {
	f.mu.Lock()
	f.state = webrtc.DataChannelStateOpen
	fn := f.onOpen
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeChannel) sentTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(s), &env))
		out = append(out, string(env.Type))
	}
	return out
}

func TestMessagesQueuedUntilOpen(t *testing.T) {
	callerCh, calleeCh := fakePair()
	caller := NewDataChannelMessenger("doc", domain.RoleCaller)
	callee := NewDataChannelMessenger("pat", domain.RoleCallee)

	var mu sync.Mutex
	var bodies []string
	var presence []domain.Presence
	callee.OnChat(func(m domain.ChatMessage) {
		mu.Lock()
		bodies = append(bodies, m.Body)
		mu.Unlock()
	})
	callee.OnPresence(func(p domain.Presence) {
		mu.Lock()
		presence = append(presence, p)
		mu.Unlock()
	})

	caller.Attach(callerCh)
	callee.Attach(calleeCh)

	_, err := caller.SendChat("hello")
	require.NoError(t, err)
	require.NoError(t, caller.SendPresence(domain.Presence{VideoEnabled: false, AudioEnabled: true}))
	_, err = caller.SendChat("can you hear me")
	require.NoError(t, err)
	assert.Equal(t, 3, caller.Queued())
	assert.Empty(t, callerCh.sent)

	calleeCh.open()
	callerCh.open()

	assert.True(t, caller.Open())
	assert.Equal(t, 0, caller.Queued())
	assert.Equal(t, []string{"chat", "presence", "chat"}, callerCh.sentTypes(t))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello", "can you hear me"}, bodies)
	require.Len(t, presence, 1)
	assert.Equal(t, domain.ParticipantID("doc"), presence[0].ParticipantID)
	assert.False(t, presence[0].VideoEnabled)
}

func TestChatCarriesSender(t *testing.T) {
	a, b := fakePair()
	caller := NewDataChannelMessenger("doc", domain.RoleCaller)
	callee := NewDataChannelMessenger("pat", domain.RoleCallee)

	var got domain.ChatMessage
	caller.OnChat(func(m domain.ChatMessage) { got = m })
	caller.Attach(a)
	callee.Attach(b)
	a.open()
	b.open()

	sent, err := callee.SendChat("my throat hurts")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, domain.ParticipantID("pat"), got.SenderID)
	assert.Equal(t, domain.RoleCallee, got.SenderRole)
}

func TestAttachAlreadyOpenChannel(t *testing.T) {
	a, _ := fakePair()
	a.state = webrtc.DataChannelStateOpen
	m := NewDataChannelMessenger("doc", domain.RoleCaller)

	opened := false
	m.OnOpen(func() { opened = true })
	m.Attach(a)

	assert.True(t, opened)
	assert.True(t, m.Open())
}

func TestSendChatRejectsInvalidBody(t *testing.T) {
	m := NewDataChannelMessenger("doc", domain.RoleCaller)
	_, err := m.SendChat("")
	assert.Error(t, err)
	assert.Equal(t, 0, m.Queued())
}

func TestQueueIsBounded(t *testing.T) {
	m := NewDataChannelMessenger("doc", domain.RoleCaller)
	for i := 0; i < MaxQueued; i++ {
		_, err := m.SendChat("x")
		require.NoError(t, err)
	}
	_, err := m.SendChat("one too many")
	assert.ErrorIs(t, err, ErrChannelQueueFull)
}

func TestSendAfterClose(t *testing.T) {
	a, _ := fakePair()
	m := NewDataChannelMessenger("doc", domain.RoleCaller)
	m.Attach(a)
	_, err := m.SendChat("queued")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.Equal(t, webrtc.DataChannelStateClosed, a.ReadyState())
	assert.Equal(t, 0, m.Queued())
	_, err = m.SendChat("late")
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestUnknownPayloadIgnored(t *testing.T) {
	a, b := fakePair()
	m := NewDataChannelMessenger("pat", domain.RoleCallee)
	called := false
	m.OnChat(func(domain.ChatMessage) { called = true })
	m.Attach(b)
	b.open()

	require.NoError(t, a.SendText("not json"))
	require.NoError(t, a.SendText(`{"type":"emoji"}`))
	assert.False(t, called)
}

func TestReceiveBeforeLocalOpen(t *testing.T) {
	callerCh, calleeCh := fakePair()
	caller := NewDataChannelMessenger("doc", domain.RoleCaller)
	callee := NewDataChannelMessenger("pat", domain.RoleCallee)

	var bodies []string
	callee.OnChat(func(m domain.ChatMessage) { bodies = append(bodies, m.Body) })
	caller.Attach(callerCh)
	callee.Attach(calleeCh)

	_, err := caller.SendChat("first")
	require.NoError(t, err)

	// The remote end flushes before the local open event has run.
	callerCh.open()
	assert.False(t, callee.Open())
	assert.Equal(t, []string{"first"}, bodies)

	calleeCh.open()
	assert.True(t, callee.Open())
}

func TestQueuedChatsDeliveredOverPeerConnection(t *testing.T) {
	const n = 20
	for round := 0; round < 5; round++ {
		t.Run(fmt.Sprintf("round%d", round), func(t *testing.T) {
			caller, callee := newPeers(t)
			ctx := context.Background()

			caller.OnLocalCandidate(func(c webrtc.ICECandidateInit) { _ = callee.AddRemoteCandidate(c) })
			callee.OnLocalCandidate(func(c webrtc.ICECandidateInit) { _ = caller.AddRemoteCandidate(c) })

			var mu sync.Mutex
			var bodies []string
			calleeMsg := NewDataChannelMessenger("pat", domain.RoleCallee)
			calleeMsg.OnChat(func(m domain.ChatMessage) {
				mu.Lock()
				bodies = append(bodies, m.Body)
				mu.Unlock()
			})
			callee.OnDataChannel(func(dc *webrtc.DataChannel) { calleeMsg.Attach(dc) })

			dc, err := caller.CreateDataChannel(DataChannelLabel)
			require.NoError(t, err)
			callerMsg := NewDataChannelMessenger("doc", domain.RoleCaller)
			callerMsg.Attach(dc)
			t.Cleanup(func() {
				_ = callerMsg.Close()
				_ = calleeMsg.Close()
			})

			want := make([]string, 0, n)
			for i := 0; i < n; i++ {
				body := fmt.Sprintf("line %d", i)
				want = append(want, body)
				_, err := callerMsg.SendChat(body)
				require.NoError(t, err)
			}
			require.Equal(t, n, callerMsg.Queued())

			offer, err := caller.CreateOffer(ctx)
			require.NoError(t, err)
			answer, err := callee.AcceptOffer(ctx, offer)
			require.NoError(t, err)
			require.NoError(t, caller.ApplyAnswer(ctx, answer))

			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(bodies) == n
			}, 15*time.Second, 20*time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, want, bodies)
		})
	}
}
