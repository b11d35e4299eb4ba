package meshcall

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Signaler is the transport SessionController talks to the relay through.
type Signaler interface {
	Connect(ctx context.Context, meetingID, userID string) error
	Send(msg *Message) error
	Subscribe(fn func(*Message)) shared.Subscription
	Unsubscribe(s shared.Subscription) bool
	Disconnect()
}

var _ Signaler = (*SignalingChannel)(nil)

// PeerManager is the part of PeerConnectionManager the controller drives.
type PeerManager interface {
	SetIceCandidateCallback(fn IceCandidateHandler)
	SetNegotiationNeededCallback(fn NegotiationNeededHandler)
	SubscribeCallState(fn func(CallStateSnapshot)) shared.Subscription
	UnsubscribeCallState(s shared.Subscription) bool
	OnRemoteStream(fn func(RemoteStreamEvent)) shared.Subscription
	UnsubscribeRemoteStream(s shared.Subscription) bool
	CallState() CallStateSnapshot
	HasLocalStream() bool
	InitializeLocalStream(ctx context.Context) (*tools.LocalStream, error)
	CreateOffer(ctx context.Context, participantID string) (string, error)
	HandleOffer(ctx context.Context, participantID, sdp string) (string, error)
	HandleAnswer(participantID, sdp string) error
	HandleIceCandidate(participantID string, candidate webrtc.ICECandidateInit) error
	ClosePeer(participantID string) bool
	StopAllConnections()
	ToggleVideo(enabled bool)
	ToggleAudio(enabled bool)
}

var _ PeerManager = (*PeerConnectionManager)(nil)

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

type SessionOptions struct {
	Logger    shared.LoggerAdapter
	API       MeetingAPI
	Signaler  Signaler
	Peers     PeerManager
	MeetingID string
	UserID    string
}

// candidateGate holds locally gathered candidates for one participant while
// the matching offer or answer is still on its way out.
type candidateGate struct {
	holds    int
	flushing bool
	queue    []webrtc.ICECandidateInit
}

// SessionController ties the signaling channel, the peer manager and the
// roster together for one meeting.
type SessionController struct {
	logger    shared.LoggerAdapter
	api       MeetingAPI
	sig       Signaler
	peers     PeerManager
	meetingID string
	userID    string
	roster    *Roster

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     SessionState
	wired     bool
	msgSub    shared.Subscription
	callSub   shared.Subscription
	lastState CallStateSnapshot

	gateMu sync.Mutex
	gates  map[string]*candidateGate
}

func NewSessionController(opts SessionOptions) (*SessionController, error) {
	switch {
	case opts.Logger == nil:
		return nil, shared.ErrNoLogger
	case opts.API == nil:
		return nil, shared.ErrNoMeetingAPI
	case opts.Signaler == nil:
		return nil, shared.ErrNoSignaler
	case opts.Peers == nil:
		return nil, shared.ErrNoPeerManager
	case opts.MeetingID == "":
		return nil, shared.ErrNoMeetingID
	case opts.UserID == "":
		return nil, shared.ErrNoUserID
	}
	logger := opts.Logger.With(
		zap.String("component", "session"),
		zap.String("meeting", opts.MeetingID),
		zap.String("user", opts.UserID),
	)
	ctx, cancel := context.WithCancel(context.Background())
	return &SessionController{
		logger:    logger,
		api:       opts.API,
		sig:       opts.Signaler,
		peers:     opts.Peers,
		meetingID: opts.MeetingID,
		userID:    opts.UserID,
		roster:    NewRoster(logger),
		ctx:       ctx,
		cancel:    cancel,
		gates:     make(map[string]*candidateGate),
	}, nil
}

func (c *SessionController) MeetingID() string { return c.meetingID }

func (c *SessionController) UserID() string { return c.userID }

func (c *SessionController) Roster() *Roster { return c.roster }

func (c *SessionController) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SessionController) CallState() CallStateSnapshot {
	return c.peers.CallState()
}

func (c *SessionController) SubscribeCallState(fn func(CallStateSnapshot)) shared.Subscription {
	return c.peers.SubscribeCallState(fn)
}

func (c *SessionController) UnsubscribeCallState(s shared.Subscription) bool {
	return c.peers.UnsubscribeCallState(s)
}

func (c *SessionController) OnRemoteStream(fn func(RemoteStreamEvent)) shared.Subscription {
	return c.peers.OnRemoteStream(fn)
}

// Initialize loads the roster, wires candidate hand-off and call-state
// tracking, then connects the signaling channel. Steps that succeeded are not
// undone when a later one fails.
func (c *SessionController) Initialize(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case SessionActive:
		c.mu.Unlock()
		return shared.ErrSessionAlreadyActive
	case SessionClosed:
		c.mu.Unlock()
		return shared.ErrTornDown
	}
	c.mu.Unlock()

	info, err := c.api.MeetingInfo(ctx, c.meetingID)
	if err != nil {
		return &SessionInitError{Step: "meeting_info", Err: err}
	}
	c.roster.Replace(info.Users, c.userID)
	c.logger.Info("roster loaded", zap.Int("participants", c.roster.Len()))

	c.mu.Lock()
	if !c.wired {
		c.wired = true
		c.peers.SetIceCandidateCallback(c.onLocalCandidate)
		c.peers.SetNegotiationNeededCallback(c.renegotiate)
		c.callSub = c.peers.SubscribeCallState(c.onCallState)
		c.msgSub = c.sig.Subscribe(c.Dispatch)
	}
	c.mu.Unlock()

	if err := c.sig.Connect(ctx, c.meetingID, c.userID); err != nil {
		return &SessionInitError{Step: "signaling_connect", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == SessionClosed {
		return shared.ErrTornDown
	}
	c.state = SessionActive
	c.logger.Info("session active")
	return nil
}

// Dispatch routes one inbound message. Negotiation messages are only acted on
// when addressed to the local user.
func (c *SessionController) Dispatch(msg *Message) {
	if msg == nil || c.State() == SessionClosed {
		return
	}
	switch p := msg.Payload.(type) {
	case *UserJoinedPayload:
		if p.UserID == c.userID {
			return
		}
		if c.roster.Join(p.UserID, p.UserName) {
			c.logger.Info("participant joined", zap.String("participant", p.UserID), zap.String("name", p.UserName))
		}
	case *UserLeftPayload:
		if c.roster.Leave(p.UserID) {
			c.logger.Info("participant left", zap.String("participant", p.UserID))
		}
		if c.peers.ClosePeer(p.UserID) {
			c.logger.Debug("closed connection of departed participant", zap.String("participant", p.UserID))
		}
		c.dropGate(p.UserID)
	case *OfferPayload:
		if c.addressed(msg) {
			c.answer(msg.From, p.SDP)
		}
	case *AnswerPayload:
		if c.addressed(msg) {
			if err := c.peers.HandleAnswer(msg.From, p.SDP); err != nil {
				c.logger.Error("applying answer failed", err, zap.String("participant", msg.From))
			}
		}
	case *IceCandidatePayload:
		if c.addressed(msg) {
			if err := c.peers.HandleIceCandidate(msg.From, p.Candidate); err != nil {
				c.logger.Error("applying ice candidate failed", err, zap.String("participant", msg.From))
			}
		}
	case *UnknownPayload:
		c.logger.Debug("ignoring unknown message", zap.String("type", string(p.Type)), zap.String("from", msg.From))
	default:
		c.logger.Warn("ignoring message without payload", zap.String("from", msg.From))
	}
}

// StartCallWith acquires local media if needed and sends an offer.
func (c *SessionController) StartCallWith(ctx context.Context, participantID string) error {
	if c.State() != SessionActive {
		return shared.ErrSessionNotActive
	}
	if participantID == "" {
		return shared.ErrNoUserID
	}
	if participantID == c.userID {
		return shared.ErrSelfCall
	}
	if !c.peers.HasLocalStream() {
		if _, err := c.peers.InitializeLocalStream(ctx); err != nil {
			return err
		}
	}
	return c.offer(ctx, participantID)
}

func (c *SessionController) InitializeLocalMedia(ctx context.Context) (*tools.LocalStream, error) {
	if c.State() == SessionClosed {
		return nil, shared.ErrTornDown
	}
	return c.peers.InitializeLocalStream(ctx)
}

// StopMedia stops local capture and closes every peer connection.
func (c *SessionController) StopMedia() {
	c.peers.StopAllConnections()
	c.gateMu.Lock()
	clear(c.gates)
	c.gateMu.Unlock()
}

func (c *SessionController) ToggleVideo(enabled bool) { c.peers.ToggleVideo(enabled) }

func (c *SessionController) ToggleAudio(enabled bool) { c.peers.ToggleAudio(enabled) }

// LeaveSession notifies the meeting API, stops all media and disconnects, in
// that order. Teardown runs even when the API call fails; that error is
// returned afterwards.
func (c *SessionController) LeaveSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state == SessionClosed {
		c.mu.Unlock()
		return shared.ErrSessionNotActive
	}
	c.state = SessionClosed
	c.mu.Unlock()

	err := c.api.LeaveMeeting(ctx, LeaveMeetingRequest{MeetingID: c.meetingID, UserID: c.userID})
	if err != nil {
		c.logger.Error("leave notification failed", err)
	}
	c.peers.StopAllConnections()
	c.shutdown()
	c.logger.Info("left session")
	return err
}

// Teardown is the non-blocking variant of LeaveSession for process exit: the
// leave notification is fire-and-forget.
func (c *SessionController) Teardown() {
	c.mu.Lock()
	if c.state == SessionClosed {
		c.mu.Unlock()
		return
	}
	c.state = SessionClosed
	c.mu.Unlock()

	c.peers.StopAllConnections()
	c.api.LeaveMeetingBeacon(LeaveMeetingRequest{MeetingID: c.meetingID, UserID: c.userID})
	c.shutdown()
	c.logger.Info("session torn down")
}

func (c *SessionController) shutdown() {
	c.cancel()
	c.mu.Lock()
	msgSub, callSub := c.msgSub, c.callSub
	c.msgSub, c.callSub = shared.Subscription{}, shared.Subscription{}
	c.mu.Unlock()
	if !msgSub.IsZero() {
		c.sig.Unsubscribe(msgSub)
	}
	if !callSub.IsZero() {
		c.peers.UnsubscribeCallState(callSub)
	}
	c.sig.Disconnect()
	c.gateMu.Lock()
	clear(c.gates)
	c.gateMu.Unlock()
}

func (c *SessionController) addressed(msg *Message) bool {
	var reason string
	switch {
	case msg.IsBroadcast():
		reason = "broadcast negotiation message"
	case msg.To != c.userID:
		reason = "addressed to " + msg.To
	case msg.From == "":
		reason = "missing sender"
	case msg.From == c.userID:
		reason = "sent by local user"
	default:
		return true
	}
	w := &NegotiationWarning{ParticipantID: msg.From, Kind: msg.Type(), Reason: reason}
	c.logger.Warn(w.Error())
	return false
}

func (c *SessionController) answer(from, sdp string) {
	c.hold(from)
	defer c.release(from)
	answer, err := c.peers.HandleOffer(c.ctx, from, sdp)
	if err != nil {
		var w *NegotiationWarning
		if errors.As(err, &w) {
			c.logger.Warn(w.Error())
			return
		}
		c.logger.Error("handling offer failed", err, zap.String("participant", from))
		return
	}
	c.send(&Message{To: from, Payload: &AnswerPayload{SDP: answer}})
}

func (c *SessionController) offer(ctx context.Context, participantID string) error {
	c.hold(participantID)
	defer c.release(participantID)
	sdp, err := c.peers.CreateOffer(ctx, participantID)
	if err != nil {
		return fmt.Errorf("creating offer for %s: %w", participantID, err)
	}
	c.send(&Message{To: participantID, Payload: &OfferPayload{SDP: sdp}})
	return nil
}

func (c *SessionController) renegotiate(participantID string) {
	if c.State() != SessionActive {
		return
	}
	c.logger.Debug("renegotiating after local media change", zap.String("participant", participantID))
	if err := c.offer(c.ctx, participantID); err != nil {
		c.logger.Error("renegotiation failed", err, zap.String("participant", participantID))
	}
}

// send logs and drops on failure; the signaling channel already warned.
func (c *SessionController) send(msg *Message) {
	if err := c.sig.Send(msg); err != nil && !errors.Is(err, shared.ErrNotConnected) {
		c.logger.Error("sending signaling message failed", err, zap.String("type", string(msg.Type())))
	}
}

func (c *SessionController) onLocalCandidate(participantID string, candidate webrtc.ICECandidateInit) {
	c.gateMu.Lock()
	if g := c.gates[participantID]; g != nil && (g.holds > 0 || g.flushing) {
		g.queue = append(g.queue, candidate)
		c.gateMu.Unlock()
		return
	}
	c.gateMu.Unlock()
	c.sendCandidate(participantID, candidate)
}

func (c *SessionController) hold(participantID string) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	g := c.gates[participantID]
	if g == nil {
		g = new(candidateGate)
		c.gates[participantID] = g
	}
	g.holds++
}

// release drops one hold and flushes the queue in order. Sends happen outside
// gateMu; candidates arriving meanwhile are queued behind the flush.
func (c *SessionController) release(participantID string) {
	c.gateMu.Lock()
	g := c.gates[participantID]
	if g == nil {
		c.gateMu.Unlock()
		return
	}
	if g.holds > 0 {
		g.holds--
	}
	if g.flushing {
		c.gateMu.Unlock()
		return
	}
	g.flushing = true
	for {
		queue := g.queue
		g.queue = nil
		if len(queue) == 0 {
			g.flushing = false
			c.gateMu.Unlock()
			return
		}
		c.gateMu.Unlock()
		for _, cand := range queue {
			c.sendCandidate(participantID, cand)
		}
		c.gateMu.Lock()
		if c.gates[participantID] != g {
			c.gateMu.Unlock()
			return
		}
	}
}

func (c *SessionController) sendCandidate(participantID string, candidate webrtc.ICECandidateInit) {
	c.send(&Message{To: participantID, Payload: &IceCandidatePayload{Candidate: candidate}})
}

func (c *SessionController) dropGate(participantID string) {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	delete(c.gates, participantID)
}

func (c *SessionController) onCallState(s CallStateSnapshot) {
	c.mu.Lock()
	if s.Version <= c.lastState.Version {
		c.mu.Unlock()
		return
	}
	c.lastState = s
	c.mu.Unlock()
	c.logger.Debug("call state",
		zap.Uint64("version", s.Version),
		zap.Bool("in_call", s.IsInCall),
		zap.Strings("remote", s.RemoteParticipantIDs),
	)
}
