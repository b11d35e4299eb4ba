package meshcall

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type NegotiationState int

const (
	NegotiationNone NegotiationState = iota
	NegotiationOffering
	NegotiationAnswering
	NegotiationStable
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNone:
		return "none"
	case NegotiationOffering:
		return "offering"
	case NegotiationAnswering:
		return "answering"
	case NegotiationStable:
		return "stable"
	case NegotiationClosed:
		return "closed"
	}
	return fmt.Sprintf("NegotiationState(%d)", int(s))
}

type IceCandidateHandler func(participantID string, candidate webrtc.ICECandidateInit)

type NegotiationNeededHandler func(participantID string)

// RemoteStream is the media a participant sends us, grouped by stream id.
type RemoteStream struct {
	ID            string
	ParticipantID string
	Tracks        []*webrtc.TrackRemote
}

func (s *RemoteStream) clone() *RemoteStream {
	if s == nil {
		return nil
	}
	return &RemoteStream{
		ID:            s.ID,
		ParticipantID: s.ParticipantID,
		Tracks:        slices.Clone(s.Tracks),
	}
}

type RemoteStreamEvent struct {
	ParticipantID string
	Stream        *RemoteStream
	Track         *webrtc.TrackRemote
}

// PeerEntry is the negotiation state for one remote participant.
type PeerEntry struct {
	participantID string
	pc            *webrtc.PeerConnection

	// neg serializes offer/answer/candidate application on pc.
	neg sync.Mutex

	mu                sync.Mutex
	state             NegotiationState
	remoteStream      *RemoteStream
	pendingCandidates []webrtc.ICECandidateInit
	senders           map[string]*webrtc.RTPSender
}

func (e *PeerEntry) ParticipantID() string { return e.participantID }

func (e *PeerEntry) State() NegotiationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *PeerEntry) setState(s NegotiationState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != NegotiationClosed {
		e.state = s
	}
}

func (e *PeerEntry) conn() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

func (e *PeerEntry) closed() bool {
	return e.State() == NegotiationClosed
}

type PeerManagerOptions struct {
	Logger shared.LoggerAdapter
	// API defaults to NewWebRTCAPI with loopback candidates disabled.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Source     tools.MediaSource
	// LocalID takes part in the glare tie-break: the lexicographically smaller
	// id is the polite side.
	LocalID string
}

// PeerConnectionManager owns one PeerEntry per remote participant and the
// local media shared by all of them.
type PeerConnectionManager struct {
	logger     shared.LoggerAdapter
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	source     tools.MediaSource
	localID    string

	calls  *CallStateAggregator
	remote *shared.Hub[RemoteStreamEvent]

	mu                sync.Mutex
	peers             map[string]*PeerEntry
	local             *tools.LocalStream
	acquiring         chan struct{}
	generation        uint64
	videoEnabled      bool
	audioEnabled      bool
	onIceCandidate    IceCandidateHandler
	onNegotiationNeed NegotiationNeededHandler
}

func NewPeerConnectionManager(opts PeerManagerOptions) (*PeerConnectionManager, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.Source == nil {
		return nil, shared.ErrNoMediaSource
	}
	if opts.LocalID == "" {
		return nil, shared.ErrNoUserID
	}
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewWebRTCAPI(APIOptions{Logger: opts.Logger}); err != nil {
			return nil, fmt.Errorf("creating webrtc api: %w", err)
		}
	}
	logger := opts.Logger.With(zap.String("component", "peers"), zap.String("local_id", opts.LocalID))
	return &PeerConnectionManager{
		logger:       logger,
		api:          api,
		iceServers:   opts.ICEServers,
		source:       opts.Source,
		localID:      opts.LocalID,
		calls:        NewCallStateAggregator(opts.Logger),
		remote:       shared.NewHub[RemoteStreamEvent](logger, "remote_stream"),
		peers:        make(map[string]*PeerEntry),
		videoEnabled: true,
		audioEnabled: true,
	}, nil
}

func (m *PeerConnectionManager) LocalID() string { return m.localID }

// SetIceCandidateCallback installs the hand-off for locally gathered
// candidates. Only the first call has an effect.
func (m *PeerConnectionManager) SetIceCandidateCallback(fn IceCandidateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onIceCandidate != nil {
		m.logger.Warn("ice candidate callback already set")
		return
	}
	m.onIceCandidate = fn
}

// SetNegotiationNeededCallback is called for participants whose handshake had
// already completed when local tracks were attached; they need a new offer.
func (m *PeerConnectionManager) SetNegotiationNeededCallback(fn NegotiationNeededHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNegotiationNeed = fn
}

func (m *PeerConnectionManager) SubscribeCallState(fn func(CallStateSnapshot)) shared.Subscription {
	return m.calls.Subscribe(fn)
}

func (m *PeerConnectionManager) UnsubscribeCallState(s shared.Subscription) bool {
	return m.calls.Unsubscribe(s)
}

func (m *PeerConnectionManager) OnRemoteStream(fn func(RemoteStreamEvent)) shared.Subscription {
	return m.remote.Subscribe(fn)
}

func (m *PeerConnectionManager) UnsubscribeRemoteStream(s shared.Subscription) bool {
	return m.remote.Unsubscribe(s)
}

// CallState reads the current state without publishing it.
func (m *PeerConnectionManager) CallState() CallStateSnapshot {
	m.mu.Lock()
	hasLocal, ids := m.collectLocked()
	m.mu.Unlock()
	slices.Sort(ids)
	return CallStateSnapshot{
		Version:              m.calls.Last().Version,
		IsInCall:             len(ids) > 0,
		HasLocalStream:       hasLocal,
		RemoteParticipantIDs: ids,
	}
}

func (m *PeerConnectionManager) HasLocalStream() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local != nil
}

func (m *PeerConnectionManager) LocalStream() *tools.LocalStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local
}

// NegotiationState returns NegotiationNone for unknown participants.
func (m *PeerConnectionManager) NegotiationState(participantID string) NegotiationState {
	e := m.lookup(participantID)
	if e == nil {
		return NegotiationNone
	}
	return e.State()
}

func (m *PeerConnectionManager) RemoteStream(participantID string) (*RemoteStream, bool) {
	e := m.lookup(participantID)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteStream.clone(), e.remoteStream != nil
}

// Participants lists the ids with a live PeerEntry, sorted.
func (m *PeerConnectionManager) Participants() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// CreateOffer produces the local offer for participantID, creating the entry
// if needed. A pending offer is returned as is.
func (m *PeerConnectionManager) CreateOffer(ctx context.Context, participantID string) (string, error) {
	e, err := m.getOrCreate(participantID)
	if err != nil {
		return "", err
	}
	e.neg.Lock()
	defer e.neg.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch e.State() {
	case NegotiationClosed:
		return "", shared.ErrTornDown
	case NegotiationOffering:
		if ld := e.pc.LocalDescription(); ld != nil && ld.Type == webrtc.SDPTypeOffer {
			m.logger.Debug("reusing pending offer", zap.String("participant", participantID))
			return ld.SDP, nil
		}
	}
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating offer: %w", err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	e.setState(NegotiationOffering)
	m.logger.Debug("offer created", zap.String("participant", participantID))
	return offer.SDP, nil
}

// HandleOffer applies a remote offer and returns the local answer. On offer
// collision the polite side drops its own offer by replacing the connection;
// the impolite side returns a *NegotiationWarning and keeps its offer.
func (m *PeerConnectionManager) HandleOffer(ctx context.Context, participantID, sdp string) (string, error) {
	e, err := m.getOrCreate(participantID)
	if err != nil {
		return "", err
	}
	e.neg.Lock()
	defer e.neg.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.closed() {
		return "", shared.ErrTornDown
	}
	if e.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if !m.polite(participantID) {
			m.logger.Warn("ignoring colliding offer", zap.String("participant", participantID))
			return "", &NegotiationWarning{
				ParticipantID: participantID,
				Kind:          MessageTypeOffer,
				Reason:        "offer collision, keeping local offer",
			}
		}
		m.logger.Info("dropping local offer on collision", zap.String("participant", participantID))
		if err := m.reset(e); err != nil {
			return "", err
		}
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}); err != nil {
		return "", fmt.Errorf("setting remote description: %w", err)
	}
	e.setState(NegotiationAnswering)
	m.flushCandidates(e)
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	e.setState(NegotiationStable)
	m.logger.Debug("answer created", zap.String("participant", participantID))
	return answer.SDP, nil
}

// HandleAnswer completes a handshake started by CreateOffer. Answers for
// unknown participants or entries that are not offering are dropped.
func (m *PeerConnectionManager) HandleAnswer(participantID, sdp string) error {
	e := m.lookup(participantID)
	if e == nil {
		m.warn(participantID, MessageTypeAnswer, "unknown participant")
		return nil
	}
	e.neg.Lock()
	defer e.neg.Unlock()
	if st := e.State(); st != NegotiationOffering {
		m.warn(participantID, MessageTypeAnswer, "entry is "+st.String())
		return nil
	}
	if err := e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	e.setState(NegotiationStable)
	m.flushCandidates(e)
	m.logger.Debug("answer applied", zap.String("participant", participantID))
	return nil
}

// HandleIceCandidate adds a remote candidate. Candidates that arrive before
// the remote description are buffered on the entry.
func (m *PeerConnectionManager) HandleIceCandidate(participantID string, candidate webrtc.ICECandidateInit) error {
	e := m.lookup(participantID)
	if e == nil {
		m.warn(participantID, MessageTypeIceCandidate, "unknown participant")
		return nil
	}
	e.neg.Lock()
	defer e.neg.Unlock()
	if e.closed() {
		m.warn(participantID, MessageTypeIceCandidate, "entry is closed")
		return nil
	}
	if e.pc.RemoteDescription() == nil {
		e.mu.Lock()
		e.pendingCandidates = append(e.pendingCandidates, candidate)
		e.mu.Unlock()
		m.logger.Trace("buffering remote candidate", zap.String("participant", participantID))
		return nil
	}
	if err := e.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("adding ice candidate: %w", err)
	}
	return nil
}

// InitializeLocalStream acquires local media once and attaches it to every
// open entry and to all entries created afterwards. Concurrent callers share
// one acquisition.
func (m *PeerConnectionManager) InitializeLocalStream(ctx context.Context) (*tools.LocalStream, error) {
	for {
		m.mu.Lock()
		if m.local != nil {
			s := m.local
			m.mu.Unlock()
			return s, nil
		}
		if wait := m.acquiring; wait != nil {
			m.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		m.acquiring = done
		gen := m.generation
		m.mu.Unlock()

		stream, err := m.source.GetUserMedia(ctx)

		m.mu.Lock()
		m.acquiring = nil
		close(done)
		if err != nil {
			m.mu.Unlock()
			return nil, &MediaAccessError{Err: err}
		}
		if gen != m.generation {
			// StopAllConnections ran while we were waiting on the device.
			m.mu.Unlock()
			stream.Stop()
			return nil, shared.ErrTornDown
		}
		m.local = stream
		for _, t := range stream.VideoTracks() {
			t.SetEnabled(m.videoEnabled)
		}
		for _, t := range stream.AudioTracks() {
			t.SetEnabled(m.audioEnabled)
		}
		entries := make([]*PeerEntry, 0, len(m.peers))
		for _, e := range m.peers {
			entries = append(entries, e)
		}
		s := m.deriveLocked()
		onNeed := m.onNegotiationNeed
		m.mu.Unlock()

		m.logger.Info("local stream ready", zap.String("stream", stream.ID()), zap.Int("tracks", len(stream.Tracks())))
		var renegotiate []string
		for _, e := range entries {
			before := e.State()
			if added := m.attachLocal(e, stream); added && before == NegotiationStable {
				renegotiate = append(renegotiate, e.participantID)
			}
		}
		m.calls.Deliver(s)
		if onNeed != nil {
			for _, id := range renegotiate {
				onNeed(id)
			}
		}
		return stream, nil
	}
}

// StopAllConnections closes every entry, stops local media and publishes the
// empty state.
func (m *PeerConnectionManager) StopAllConnections() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*PeerEntry)
	local := m.local
	m.local = nil
	m.generation++
	s := m.deriveLocked()
	m.mu.Unlock()

	for _, e := range peers {
		m.closeEntry(e)
	}
	if local != nil {
		local.Stop()
	}
	m.logger.Info("all connections stopped", zap.Int("peers", len(peers)))
	m.calls.Deliver(s)
}

// ClosePeer closes and removes one participant's entry. It reports whether an
// entry existed.
func (m *PeerConnectionManager) ClosePeer(participantID string) bool {
	m.mu.Lock()
	e, ok := m.peers[participantID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.peers, participantID)
	s := m.deriveLocked()
	m.mu.Unlock()

	// pc.Close can take a while; listeners hear about the departure first.
	m.calls.Deliver(s)
	m.closeEntry(e)
	m.logger.Info("peer closed", zap.String("participant", participantID))
	return true
}

// ToggleVideo flips the enabled flag of the local video tracks. The setting
// also applies to media acquired later.
func (m *PeerConnectionManager) ToggleVideo(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoEnabled = enabled
	if m.local != nil {
		for _, t := range m.local.VideoTracks() {
			t.SetEnabled(enabled)
		}
	}
}

func (m *PeerConnectionManager) ToggleAudio(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioEnabled = enabled
	if m.local != nil {
		for _, t := range m.local.AudioTracks() {
			t.SetEnabled(enabled)
		}
	}
}

func (m *PeerConnectionManager) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *PeerConnectionManager) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *PeerConnectionManager) polite(remoteID string) bool {
	return m.localID < remoteID
}

func (m *PeerConnectionManager) warn(participantID string, kind MessageType, reason string) {
	w := &NegotiationWarning{ParticipantID: participantID, Kind: kind, Reason: reason}
	m.logger.Warn(w.Error(), zap.String("participant", participantID), zap.String("type", string(kind)))
}

func (m *PeerConnectionManager) lookup(participantID string) *PeerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[participantID]
}

func (m *PeerConnectionManager) isCurrent(e *PeerEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[e.participantID] == e
}

func (m *PeerConnectionManager) getOrCreate(participantID string) (*PeerEntry, error) {
	if participantID == "" {
		return nil, shared.ErrNoUserID
	}
	if participantID == m.localID {
		return nil, shared.ErrSelfCall
	}
	if e := m.lookup(participantID); e != nil {
		return e, nil
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	e := &PeerEntry{
		participantID: participantID,
		pc:            pc,
		senders:       make(map[string]*webrtc.RTPSender),
	}

	m.mu.Lock()
	if existing := m.peers[participantID]; existing != nil {
		m.mu.Unlock()
		if err := pc.Close(); err != nil {
			m.logger.Error("closing duplicate peer connection failed", err)
		}
		return existing, nil
	}
	m.peers[participantID] = e
	local := m.local
	m.mu.Unlock()

	m.wire(e, pc)
	if local != nil {
		m.attachLocal(e, local)
	}
	m.logger.Debug("peer entry created", zap.String("participant", participantID), zap.Bool("local_media", local != nil))
	return e, nil
}

// reset replaces e's connection with a fresh one carrying the local tracks.
// The caller holds e.neg.
func (m *PeerConnectionManager) reset(e *PeerEntry) error {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.iceServers})
	if err != nil {
		return fmt.Errorf("creating peer connection: %w", err)
	}
	e.mu.Lock()
	if e.state == NegotiationClosed {
		e.mu.Unlock()
		_ = pc.Close()
		return shared.ErrTornDown
	}
	old := e.pc
	e.pc = pc
	e.state = NegotiationNone
	e.remoteStream = nil
	e.senders = make(map[string]*webrtc.RTPSender)
	e.mu.Unlock()

	if err := old.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		m.logger.Error("closing replaced peer connection failed", err, zap.String("participant", e.participantID))
	}
	m.wire(e, pc)
	m.mu.Lock()
	local := m.local
	m.mu.Unlock()
	if local != nil {
		m.attachLocal(e, local)
	}
	return nil
}

// wire installs pc's handlers. Events from a connection that is no longer the
// entry's current one are ignored.
func (m *PeerConnectionManager) wire(e *PeerEntry, pc *webrtc.PeerConnection) {
	id := e.participantID
	live := func() bool {
		return m.isCurrent(e) && e.conn() == pc
	}
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !live() {
			return
		}
		m.mu.Lock()
		fn := m.onIceCandidate
		m.mu.Unlock()
		if fn == nil {
			m.logger.Debug("no ice candidate callback, dropping candidate", zap.String("participant", id))
			return
		}
		fn(id, c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if live() {
			m.handleRemoteTrack(e, track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if live() {
			m.handleConnectionState(e, state)
		}
	})
}

// attachLocal adds the stream's tracks that are not on e yet. It reports
// whether anything was added.
func (m *PeerConnectionManager) attachLocal(e *PeerEntry, stream *tools.LocalStream) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == NegotiationClosed {
		return false
	}
	added := false
	for _, t := range stream.Tracks() {
		if _, ok := e.senders[t.ID()]; ok {
			continue
		}
		sender, err := e.pc.AddTrack(t.Track())
		if err != nil {
			m.logger.Error("adding local track failed", err,
				zap.String("participant", e.participantID),
				zap.String("track", t.ID()),
			)
			continue
		}
		e.senders[t.ID()] = sender
		added = true
		// RTCP has to be read for the interceptors to work.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return added
}

func (m *PeerConnectionManager) flushCandidates(e *PeerEntry) {
	e.mu.Lock()
	pending := e.pendingCandidates
	e.pendingCandidates = nil
	e.mu.Unlock()
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			m.logger.Error("adding buffered ice candidate failed", err, zap.String("participant", e.participantID))
		}
	}
	if len(pending) > 0 {
		m.logger.Trace("flushed buffered candidates",
			zap.String("participant", e.participantID),
			zap.Int("count", len(pending)),
		)
	}
}

func (m *PeerConnectionManager) handleRemoteTrack(e *PeerEntry, track *webrtc.TrackRemote) {
	if !m.isCurrent(e) {
		return
	}
	e.mu.Lock()
	if e.state == NegotiationClosed {
		e.mu.Unlock()
		return
	}
	if e.remoteStream == nil || e.remoteStream.ID != track.StreamID() {
		e.remoteStream = &RemoteStream{ID: track.StreamID(), ParticipantID: e.participantID}
	}
	e.remoteStream.Tracks = append(e.remoteStream.Tracks, track)
	stream := e.remoteStream.clone()
	e.mu.Unlock()

	m.logger.Info("remote track arrived",
		zap.String("participant", e.participantID),
		zap.String("stream", track.StreamID()),
		zap.String("kind", track.Kind().String()),
	)
	m.publish()
	m.remote.Publish(RemoteStreamEvent{ParticipantID: e.participantID, Stream: stream, Track: track})
}

func (m *PeerConnectionManager) handleConnectionState(e *PeerEntry, state webrtc.PeerConnectionState) {
	m.logger.Debug("peer connection state changed",
		zap.String("participant", e.participantID),
		zap.String("state", state.String()),
	)
	switch state {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
	default:
		return
	}
	if !m.isCurrent(e) {
		return
	}
	e.mu.Lock()
	had := e.remoteStream != nil
	e.remoteStream = nil
	e.mu.Unlock()
	if had {
		m.publish()
	}
}

func (m *PeerConnectionManager) closeEntry(e *PeerEntry) {
	e.mu.Lock()
	e.state = NegotiationClosed
	e.remoteStream = nil
	e.pendingCandidates = nil
	pc := e.pc
	e.mu.Unlock()
	if err := pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		m.logger.Error("closing peer connection failed", err, zap.String("participant", e.participantID))
	}
}

func (m *PeerConnectionManager) publish() {
	m.mu.Lock()
	s := m.deriveLocked()
	m.mu.Unlock()
	m.calls.Deliver(s)
}

// collectLocked must be called with m.mu held.
func (m *PeerConnectionManager) collectLocked() (bool, []string) {
	ids := []string{}
	for id, e := range m.peers {
		e.mu.Lock()
		if e.remoteStream != nil {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return m.local != nil, ids
}

func (m *PeerConnectionManager) deriveLocked() CallStateSnapshot {
	hasLocal, ids := m.collectLocked()
	return m.calls.Derive(hasLocal, ids)
}
