package rtc

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DataChannelLabel = "televisit"
	MaxQueued        = 256
)

var (
	ErrChannelClosed    = errors.New("data channel closed")
	ErrChannelQueueFull = errors.New("data channel send queue full")
)

// channel is the subset of *webrtc.DataChannel the messenger relies on.
type channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	OnOpen(func())
	OnClose(func())
	OnMessage(func(webrtc.DataChannelMessage))
	SendText(string) error
	Close() error
}

type envelopeType string

const (
	envelopeChat     envelopeType = "chat"
	envelopePresence envelopeType = "presence"
)

type envelope struct {
	Type     envelopeType        `json:"type"`
	Chat     *domain.ChatMessage `json:"chat,omitempty"`
	Presence *domain.Presence    `json:"presence,omitempty"`
}

// DataChannelMessenger carries chat and presence over the reliable ordered
// data channel. Messages sent before the channel opens are queued and
// flushed in send order once it does.
type DataChannelMessenger struct {
	self   domain.ParticipantID
	role   domain.Role
	logger zerolog.Logger

	mu     sync.Mutex
	ch     channel
	open   bool
	closed bool
	queue  []string

	onChat     func(domain.ChatMessage)
	onPresence func(domain.Presence)
	onOpen     func()
}

func NewDataChannelMessenger(self domain.ParticipantID, role domain.Role) *DataChannelMessenger {
	return &DataChannelMessenger{
		self:   self,
		role:   role,
		logger: log.With().Str("module", "rtc.datachannel").Str("participant", string(self)).Logger(),
	}
}

func (d *DataChannelMessenger) OnChat(fn func(domain.ChatMessage)) {
	d.mu.Lock()
	d.onChat = fn
	d.mu.Unlock()
}

func (d *DataChannelMessenger) OnPresence(fn func(domain.Presence)) {
	d.mu.Lock()
	d.onPresence = fn
	d.mu.Unlock()
}

// OnOpen sets a callback fired once the channel opens and the queue is flushed.
func (d *DataChannelMessenger) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	d.mu.Unlock()
}

// Attach binds the messenger to a data channel. The receive handler is
// registered before Attach returns; for a remote channel Attach must run
// inside the OnDataChannel callback, before the channel starts reading.
// Local sends stay gated on the open event.
func (d *DataChannelMessenger) Attach(ch channel) {
	d.mu.Lock()
	if d.closed || d.ch != nil {
		d.mu.Unlock()
		if d.closed {
			_ = ch.Close()
		}
		return
	}
	d.ch = ch
	d.mu.Unlock()

	ch.OnMessage(d.handleMessage)
	ch.OnOpen(func() { d.handleOpen(ch) })
	ch.OnClose(func() {
		d.mu.Lock()
		d.open = false
		d.mu.Unlock()
		d.logger.Info().Str("label", ch.Label()).Msg("data channel closed")
	})
	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		d.handleOpen(ch)
	}
}

func (d *DataChannelMessenger) handleOpen(ch channel) {
	d.mu.Lock()
	if d.open || d.closed {
		d.mu.Unlock()
		return
	}
	queued := d.queue
	d.queue = nil
	for i, msg := range queued {
		if err := ch.SendText(msg); err != nil {
			d.queue = append(d.queue, queued[i:]...)
			d.mu.Unlock()
			d.logger.Error().Err(err).Int("unsent", len(queued)-i).Msg("flush failed")
			return
		}
	}
	d.open = true
	fn := d.onOpen
	d.mu.Unlock()

	d.logger.Info().Str("label", ch.Label()).Int("flushed", len(queued)).Msg("data channel open")
	if fn != nil {
		fn()
	}
}

func (d *DataChannelMessenger) handleMessage(msg webrtc.DataChannelMessage) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		d.logger.Warn().Err(err).Msg("bad data channel payload")
		return
	}
	d.mu.Lock()
	onChat, onPresence := d.onChat, d.onPresence
	d.mu.Unlock()

	switch env.Type {
	case envelopeChat:
		if env.Chat != nil && onChat != nil {
			onChat(*env.Chat)
		}
	case envelopePresence:
		if env.Presence != nil && onPresence != nil {
			onPresence(*env.Presence)
		}
	default:
		d.logger.Warn().Str("type", string(env.Type)).Msg("unknown data channel message")
	}
}

// SendChat builds a chat message from the local participant and sends or
// queues it.
func (d *DataChannelMessenger) SendChat(body string) (*domain.ChatMessage, error) {
	msg, err := domain.NewChatMessage(d.self, d.role, body)
	if err != nil {
		return nil, err
	}
	if err := d.send(envelope{Type: envelopeChat, Chat: msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *DataChannelMessenger) SendPresence(p domain.Presence) error {
	if p.ParticipantID == "" {
		p.ParticipantID = d.self
	}
	return d.send(envelope{Type: envelopePresence, Presence: &p})
}

func (d *DataChannelMessenger) send(env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.closed:
		return ErrChannelClosed
	case !d.open:
		if len(d.queue) >= MaxQueued {
			return ErrChannelQueueFull
		}
		d.queue = append(d.queue, string(raw))
		return nil
	}
	return d.ch.SendText(string(raw))
}

func (d *DataChannelMessenger) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Queued reports how many messages wait for the channel to open.
func (d *DataChannelMessenger) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close releases the channel. Queued messages are dropped and later sends
// fail with ErrChannelClosed.
func (d *DataChannelMessenger) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.open = false
	dropped := len(d.queue)
	d.queue = nil
	ch := d.ch
	d.mu.Unlock()

	if dropped > 0 {
		d.logger.Warn().Int("dropped", dropped).Msg("closing with unsent messages")
	}
	if ch == nil {
		return nil
	}
	return ch.Close()
}
