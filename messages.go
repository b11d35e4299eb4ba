package meshcall

import (
	"errors"
	"fmt"
	"math"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer        MessageType = "offer"
	MessageTypeAnswer       MessageType = "answer"
	MessageTypeIceCandidate MessageType = "ice_candidate"
	MessageTypeUserJoined   MessageType = "user_joined"
	MessageTypeUserLeft     MessageType = "user_left"
)

// IsNegotiation reports whether t carries offer/answer/candidate data that
// belongs to one peer connection.
func (t MessageType) IsNegotiation() bool {
	switch t {
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeIceCandidate:
		return true
	}
	return false
}

// Payload is the kind-specific body of a Message. The set of implementations
// is closed; dispatch switches over the concrete types.
type Payload interface {
	MessageType() MessageType
	New(data map[string]any) error
	Json() map[string]any
	isPayload()
}

// Message is one signaling frame: {type, data, from, to?}. An empty To means
// the relay broadcast it to the whole meeting.
type Message struct {
	From    string
	To      string
	Payload Payload
}

func (m *Message) Type() MessageType {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.MessageType()
}

func (m *Message) IsBroadcast() bool {
	return m.To == ""
}

func (m *Message) wire() (map[string]any, error) {
	if m.Payload == nil {
		return nil, errors.New("Payload is nil")
	}
	if m.Payload.MessageType() == "" {
		return nil, errors.New("Type is empty")
	}
	resp := map[string]any{
		"type": m.Payload.MessageType(),
		"data": m.Payload.Json(),
	}
	if m.From != "" {
		resp["from"] = m.From
	}
	if m.To != "" {
		resp["to"] = m.To
	}
	return resp, nil
}

func (m *Message) MarshalJSON() ([]byte, error) {
	resp, err := m.wire()
	if err != nil {
		return nil, err
	}
	return sonic.Marshal(resp)
}

// MarshalYAML renders the message for humans (CLI output, debug logs).
func (m *Message) MarshalYAML() ([]byte, error) {
	resp, err := m.wire()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(resp)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	typ, ok := raw["type"].(string)
	if !ok || typ == "" {
		return errors.New("missing type")
	}
	if v, ok := raw["from"].(string); ok {
		m.From = v
	}
	if v, ok := raw["to"].(string); ok {
		m.To = v
	}
	body, _ := raw["data"].(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	switch MessageType(typ) {
	case MessageTypeOffer:
		m.Payload = new(OfferPayload)
	case MessageTypeAnswer:
		m.Payload = new(AnswerPayload)
	case MessageTypeIceCandidate:
		m.Payload = new(IceCandidatePayload)
	case MessageTypeUserJoined:
		m.Payload = new(UserJoinedPayload)
	case MessageTypeUserLeft:
		m.Payload = new(UserLeftPayload)
	default:
		m.Payload = &UnknownPayload{Type: MessageType(typ)}
	}
	if err := m.Payload.New(body); err != nil {
		return fmt.Errorf("parsing %s data: %w", typ, err)
	}
	return nil
}

// ParseMessage decodes one wire frame.
func ParseMessage(data []byte) (*Message, error) {
	m := new(Message)
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return m, nil
}

// offer
type OfferPayload struct {
	SDP string
}

func (p *OfferPayload) MessageType() MessageType { return MessageTypeOffer }
func (p *OfferPayload) isPayload()               {}

func (p *OfferPayload) New(m map[string]any) error {
	if v, ok := m["sdp"].(string); ok && v != "" {
		p.SDP = v
	} else {
		return errors.New("missing sdp")
	}
	return nil
}

func (p *OfferPayload) Json() map[string]any {
	return map[string]any{"sdp": p.SDP}
}

// answer
type AnswerPayload struct {
	SDP string
}

func (p *AnswerPayload) MessageType() MessageType { return MessageTypeAnswer }
func (p *AnswerPayload) isPayload()               {}

func (p *AnswerPayload) New(m map[string]any) error {
	if v, ok := m["sdp"].(string); ok && v != "" {
		p.SDP = v
	} else {
		return errors.New("missing sdp")
	}
	return nil
}

func (p *AnswerPayload) Json() map[string]any {
	return map[string]any{"sdp": p.SDP}
}

// ice_candidate
type IceCandidatePayload struct {
	Candidate webrtc.ICECandidateInit
}

func (p *IceCandidatePayload) MessageType() MessageType { return MessageTypeIceCandidate }
func (p *IceCandidatePayload) isPayload()               {}

func (p *IceCandidatePayload) New(m map[string]any) error {
	switch c := m["candidate"].(type) {
	case string:
		// Some clients send the bare candidate line.
		p.Candidate = webrtc.ICECandidateInit{Candidate: c}
	case map[string]any:
		v, ok := c["candidate"].(string)
		if !ok {
			return errors.New("missing candidate.candidate")
		}
		p.Candidate = webrtc.ICECandidateInit{Candidate: v}
		if mid, ok := c["sdpMid"].(string); ok {
			p.Candidate.SDPMid = &mid
		}
		if idx, ok := asUint16(c["sdpMLineIndex"]); ok {
			p.Candidate.SDPMLineIndex = &idx
		}
		if frag, ok := c["usernameFragment"].(string); ok {
			p.Candidate.UsernameFragment = &frag
		}
	default:
		return errors.New("missing candidate")
	}
	return nil
}

func (p *IceCandidatePayload) Json() map[string]any {
	c := map[string]any{"candidate": p.Candidate.Candidate}
	if p.Candidate.SDPMid != nil {
		c["sdpMid"] = *p.Candidate.SDPMid
	}
	if p.Candidate.SDPMLineIndex != nil {
		c["sdpMLineIndex"] = *p.Candidate.SDPMLineIndex
	}
	if p.Candidate.UsernameFragment != nil {
		c["usernameFragment"] = *p.Candidate.UsernameFragment
	}
	return map[string]any{"candidate": c}
}

// user_joined
type UserJoinedPayload struct {
	UserID   string
	UserName string
}

func (p *UserJoinedPayload) MessageType() MessageType { return MessageTypeUserJoined }
func (p *UserJoinedPayload) isPayload()               {}

func (p *UserJoinedPayload) New(m map[string]any) error {
	if v, ok := m["user_id"].(string); ok && v != "" {
		p.UserID = v
	} else {
		return errors.New("missing user_id")
	}
	if v, ok := m["user_name"].(string); ok {
		p.UserName = v
	}
	return nil
}

func (p *UserJoinedPayload) Json() map[string]any {
	out := map[string]any{"user_id": p.UserID}
	if p.UserName != "" {
		out["user_name"] = p.UserName
	}
	return out
}

// user_left
type UserLeftPayload struct {
	UserID string
}

func (p *UserLeftPayload) MessageType() MessageType { return MessageTypeUserLeft }
func (p *UserLeftPayload) isPayload()               {}

func (p *UserLeftPayload) New(m map[string]any) error {
	if v, ok := m["user_id"].(string); ok && v != "" {
		p.UserID = v
	} else {
		return errors.New("missing user_id")
	}
	return nil
}

func (p *UserLeftPayload) Json() map[string]any {
	return map[string]any{"user_id": p.UserID}
}

// UnknownPayload keeps frames of a type this client does not understand, so
// a newer relay does not break older clients.
type UnknownPayload struct {
	Type MessageType
	Data map[string]any
}

func (p *UnknownPayload) MessageType() MessageType { return p.Type }
func (p *UnknownPayload) isPayload()               {}

func (p *UnknownPayload) New(m map[string]any) error {
	p.Data = m
	return nil
}

func (p *UnknownPayload) Json() map[string]any {
	if p.Data == nil {
		return map[string]any{}
	}
	return p.Data
}

func asUint16(v any) (uint16, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint16:
		return n, true
	default:
		return 0, false
	}
	if f < 0 || f > math.MaxUint16 || f != math.Trunc(f) {
		return 0, false
	}
	return uint16(f), true
}
