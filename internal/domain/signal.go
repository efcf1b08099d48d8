package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangup       SignalType = "hangup"
)

var (
	ErrUnknownSignal  = errors.New("unknown signal type")
	ErrMissingPayload = errors.New("signal payload missing")
	ErrMissingRoute   = errors.New("signal route incomplete")
)

// SignalingMessage is one control message between the two participants.
// Exactly one of SDP or Candidate is set for offer/answer and ice-candidate.
type SignalingMessage struct {
	ID        string
	Type      SignalType
	SessionID SessionID
	From      ParticipantID
	To        ParticipantID
	Timestamp time.Time
	SDP       *webrtc.SessionDescription
	Candidate *webrtc.ICECandidateInit
}

// WireMessage is the relay JSON shape.
type WireMessage struct {
	ID         string          `json:"id,omitempty"`
	SessionID  SessionID       `json:"session_id"`
	From       ParticipantID   `json:"from_user"`
	To         ParticipantID   `json:"to_user"`
	SignalType SignalType      `json:"signal_type"`
	SignalData json.RawMessage `json:"signal_data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func newSignal(t SignalType, sid SessionID, from, to ParticipantID) SignalingMessage {
	return SignalingMessage{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sid,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
	}
}

func NewDescriptionSignal(sid SessionID, from, to ParticipantID, sdp webrtc.SessionDescription) SignalingMessage {
	t := SignalOffer
	if sdp.Type == webrtc.SDPTypeAnswer {
		t = SignalAnswer
	}
	m := newSignal(t, sid, from, to)
	m.SDP = &sdp
	return m
}

func NewCandidateSignal(sid SessionID, from, to ParticipantID, c webrtc.ICECandidateInit) SignalingMessage {
	m := newSignal(SignalICECandidate, sid, from, to)
	m.Candidate = &c
	return m
}

func NewHangupSignal(sid SessionID, from, to ParticipantID) SignalingMessage {
	return newSignal(SignalHangup, sid, from, to)
}

func (m SignalingMessage) Validate() error {
	if m.SessionID == "" || m.From == "" || m.To == "" {
		return ErrMissingRoute
	}
	switch m.Type {
	case SignalOffer, SignalAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingPayload)
		}
	case SignalICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingPayload)
		}
	case SignalHangup:
	default:
		return fmt.Errorf("%q: %w", m.Type, ErrUnknownSignal)
	}
	return nil
}

// Wire converts the message to its relay representation.
func (m SignalingMessage) Wire() (WireMessage, error) {
	w := WireMessage{
		ID:         m.ID,
		SessionID:  m.SessionID,
		From:       m.From,
		To:         m.To,
		SignalType: m.Type,
		Timestamp:  m.Timestamp,
	}
	var payload any
	switch m.Type {
	case SignalOffer, SignalAnswer:
		payload = m.SDP
	case SignalICECandidate:
		payload = m.Candidate
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return WireMessage{}, err
		}
		w.SignalData = raw
	}
	return w, nil
}

// Message decodes the relay representation and validates it.
func (w WireMessage) Message() (SignalingMessage, error) {
	m := SignalingMessage{
		ID:        w.ID,
		Type:      w.SignalType,
		SessionID: w.SessionID,
		From:      w.From,
		To:        w.To,
		Timestamp: w.Timestamp,
	}
	switch w.SignalType {
	case SignalOffer, SignalAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(w.SignalData, &sdp); err != nil {
			return SignalingMessage{}, fmt.Errorf("decode %s: %w", w.SignalType, err)
		}
		m.SDP = &sdp
	case SignalICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(w.SignalData, &c); err != nil {
			return SignalingMessage{}, fmt.Errorf("decode %s: %w", w.SignalType, err)
		}
		m.Candidate = &c
	}
	return m, m.Validate()
}

func (m SignalingMessage) MarshalJSON() ([]byte, error) {
	w, err := m.Wire()
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (m *SignalingMessage) UnmarshalJSON(data []byte) error {
	var w WireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	msg, err := w.Message()
	if err != nil {
		return err
	}
	*m = msg
	return nil
}
