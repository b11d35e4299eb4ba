package meshcall

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, id string, source tools.MediaSource) *PeerConnectionManager {
	t.Helper()
	logger := shared.NewNopLogger()
	api, err := NewWebRTCAPI(APIOptions{Logger: logger, IncludeLoopback: true})
	require.NoError(t, err)
	if source == nil {
		source = &tools.SyntheticSource{Logger: logger}
	}
	m, err := NewPeerConnectionManager(PeerManagerOptions{
		Logger:  logger,
		API:     api,
		Source:  source,
		LocalID: id,
	})
	require.NoError(t, err)
	t.Cleanup(m.StopAllConnections)
	return m
}

// candidatePipe holds candidates until open, the way a relay would deliver
// them only after the description went out.
type candidatePipe struct {
	mu      sync.Mutex
	open    bool
	pending []webrtc.ICECandidateInit
	deliver func(webrtc.ICECandidateInit)
}

func (p *candidatePipe) push(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	if !p.open {
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.deliver(c)
}

func (p *candidatePipe) flush() {
	p.mu.Lock()
	p.open = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, c := range pending {
		p.deliver(c)
	}
}

func connectPair(t *testing.T, a, b *PeerConnectionManager) {
	t.Helper()
	ctx := context.Background()
	aToB := &candidatePipe{deliver: func(c webrtc.ICECandidateInit) {
		assert.NoError(t, b.HandleIceCandidate(a.LocalID(), c))
	}}
	bToA := &candidatePipe{deliver: func(c webrtc.ICECandidateInit) {
		assert.NoError(t, a.HandleIceCandidate(b.LocalID(), c))
	}}
	a.SetIceCandidateCallback(func(id string, c webrtc.ICECandidateInit) {
		assert.Equal(t, b.LocalID(), id)
		aToB.push(c)
	})
	b.SetIceCandidateCallback(func(id string, c webrtc.ICECandidateInit) {
		assert.Equal(t, a.LocalID(), id)
		bToA.push(c)
	})

	offer, err := a.CreateOffer(ctx, b.LocalID())
	require.NoError(t, err)
	assert.Equal(t, NegotiationOffering, a.NegotiationState(b.LocalID()))

	answer, err := b.HandleOffer(ctx, a.LocalID(), offer)
	require.NoError(t, err)
	assert.Equal(t, NegotiationStable, b.NegotiationState(a.LocalID()))

	require.NoError(t, a.HandleAnswer(b.LocalID(), answer))
	assert.Equal(t, NegotiationStable, a.NegotiationState(b.LocalID()))

	aToB.flush()
	bToA.flush()
}

func TestPeerManagerOfferAnswerScenario(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil)
	b := newTestManager(t, "bob", nil)

	_, err := a.InitializeLocalStream(ctx)
	require.NoError(t, err)
	_, err = b.InitializeLocalStream(ctx)
	require.NoError(t, err)

	arrived := make(chan RemoteStreamEvent, 8)
	a.OnRemoteStream(func(ev RemoteStreamEvent) { arrived <- ev })

	connectPair(t, a, b)

	require.Eventually(t, func() bool {
		return a.CallState().Has("bob") && b.CallState().Has("alice")
	}, 20*time.Second, 50*time.Millisecond)

	s := a.CallState()
	assert.True(t, s.IsInCall)
	assert.True(t, s.HasLocalStream)
	assert.Equal(t, []string{"bob"}, s.RemoteParticipantIDs)

	select {
	case ev := <-arrived:
		assert.Equal(t, "bob", ev.ParticipantID)
		require.NotNil(t, ev.Stream)
		assert.NotEmpty(t, ev.Stream.Tracks)
	case <-time.After(5 * time.Second):
		t.Fatal("no remote stream event")
	}

	rs, ok := a.RemoteStream("bob")
	require.True(t, ok)
	assert.Equal(t, "bob", rs.ParticipantID)
}

func TestPeerManagerClosePeerExcludesParticipant(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil)
	b := newTestManager(t, "bob", nil)
	_, err := a.InitializeLocalStream(ctx)
	require.NoError(t, err)
	_, err = b.InitializeLocalStream(ctx)
	require.NoError(t, err)
	connectPair(t, a, b)
	require.Eventually(t, func() bool { return a.CallState().Has("bob") }, 20*time.Second, 50*time.Millisecond)

	snapshots := make(chan CallStateSnapshot, 16)
	a.SubscribeCallState(func(s CallStateSnapshot) { snapshots <- s })

	assert.True(t, a.ClosePeer("bob"))
	assert.False(t, a.ClosePeer("bob"))
	assert.Empty(t, a.Participants())
	assert.Equal(t, NegotiationNone, a.NegotiationState("bob"))
	assert.False(t, a.CallState().Has("bob"))

	// late track events from before the close may still be queued; the
	// snapshot published by the close must be the one without bob
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-snapshots:
			if !s.Has("bob") {
				assert.False(t, s.IsInCall)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot without bob after close")
		}
	}
}

func TestPeerManagerUnknownParticipantIsNoop(t *testing.T) {
	m := newTestManager(t, "alice", nil)
	before := m.CallState()

	assert.NotPanics(t, func() {
		assert.NoError(t, m.HandleAnswer("ghost", "v=0"))
		assert.NoError(t, m.HandleIceCandidate("ghost", webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	})
	after := m.CallState()
	assert.True(t, before.Equal(after))
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, m.Participants())
}

func TestPeerManagerAnswerWithoutOfferIsDropped(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil)
	b := newTestManager(t, "bob", nil)
	_, err := a.InitializeLocalStream(ctx)
	require.NoError(t, err)

	offer, err := a.CreateOffer(ctx, "bob")
	require.NoError(t, err)
	answer, err := b.HandleOffer(ctx, "alice", offer)
	require.NoError(t, err)

	// bob never offered to alice; a stray answer must not change anything
	assert.NoError(t, b.HandleAnswer("alice", answer))
	assert.Equal(t, NegotiationStable, b.NegotiationState("alice"))
}

func TestPeerManagerBuffersEarlyCandidates(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)
	_, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)
	_, err = m.CreateOffer(ctx, "bob")
	require.NoError(t, err)

	// no remote description yet
	assert.NoError(t, m.HandleIceCandidate("bob", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	e := m.lookup("bob")
	require.NotNil(t, e)
	e.mu.Lock()
	assert.Len(t, e.pendingCandidates, 1)
	e.mu.Unlock()
}

func TestPeerManagerCreateOfferReusesEntry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)
	_, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)

	first, err := m.CreateOffer(ctx, "bob")
	require.NoError(t, err)
	e := m.lookup("bob")

	second, err := m.CreateOffer(ctx, "bob")
	require.NoError(t, err)
	assert.Same(t, e, m.lookup("bob"))
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"bob"}, m.Participants())
}

func TestPeerManagerSelfCall(t *testing.T) {
	m := newTestManager(t, "alice", nil)
	_, err := m.CreateOffer(context.Background(), "alice")
	assert.ErrorIs(t, err, shared.ErrSelfCall)
}

func TestPeerManagerLocalTracksOnLaterEntries(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)
	stream, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)

	offer, err := m.CreateOffer(ctx, "bob")
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")
	assert.Contains(t, offer, stream.ID())
}

func TestPeerManagerInitializeLocalStreamOnce(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)

	snapshots := make(chan CallStateSnapshot, 4)
	m.SubscribeCallState(func(s CallStateSnapshot) { snapshots <- s })

	s1, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)
	s2, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.True(t, m.HasLocalStream())

	select {
	case s := <-snapshots:
		assert.True(t, s.HasLocalStream)
		assert.False(t, s.IsInCall)
	case <-time.After(time.Second):
		t.Fatal("no snapshot after local stream")
	}
}

func TestPeerManagerMediaAccessDenied(t *testing.T) {
	denied := errors.New("permission denied")
	m := newTestManager(t, "alice", &tools.SyntheticSource{Deny: denied})

	_, err := m.InitializeLocalStream(context.Background())
	var mae *MediaAccessError
	require.ErrorAs(t, err, &mae)
	assert.ErrorIs(t, err, denied)
	assert.False(t, m.HasLocalStream())
}

func TestPeerManagerStopAllConnections(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil)
	b := newTestManager(t, "bob", nil)
	stream, err := a.InitializeLocalStream(ctx)
	require.NoError(t, err)
	_, err = b.InitializeLocalStream(ctx)
	require.NoError(t, err)
	connectPair(t, a, b)
	require.Eventually(t, func() bool { return a.CallState().IsInCall }, 20*time.Second, 50*time.Millisecond)

	a.StopAllConnections()

	s := a.CallState()
	assert.False(t, s.IsInCall)
	assert.False(t, s.HasLocalStream)
	assert.Empty(t, s.RemoteParticipantIDs)
	assert.Empty(t, a.Participants())
	assert.True(t, stream.Stopped())

	// a second call on an empty manager is harmless
	a.StopAllConnections()
	assert.False(t, a.CallState().IsInCall)
}

func TestPeerManagerToggles(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, "alice", nil)

	m.ToggleAudio(false)
	stream, err := m.InitializeLocalStream(ctx)
	require.NoError(t, err)
	for _, tr := range stream.AudioTracks() {
		assert.False(t, tr.Enabled())
	}
	for _, tr := range stream.VideoTracks() {
		assert.True(t, tr.Enabled())
	}

	m.ToggleVideo(false)
	m.ToggleAudio(true)
	for _, tr := range stream.VideoTracks() {
		assert.False(t, tr.Enabled())
	}
	for _, tr := range stream.AudioTracks() {
		assert.True(t, tr.Enabled())
	}
	assert.False(t, m.VideoEnabled())
	assert.True(t, m.AudioEnabled())
}

func TestPeerManagerGlarePoliteSideAnswers(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil) // polite: "alice" < "bob"
	b := newTestManager(t, "bob", nil)
	_, err := a.InitializeLocalStream(ctx)
	require.NoError(t, err)
	_, err = b.InitializeLocalStream(ctx)
	require.NoError(t, err)

	// candidates from alice's dropped offer may still reach bob; they simply
	// never pair, so delivery errors are not interesting here
	aToB := &candidatePipe{deliver: func(c webrtc.ICECandidateInit) { _ = b.HandleIceCandidate("alice", c) }}
	bToA := &candidatePipe{deliver: func(c webrtc.ICECandidateInit) { _ = a.HandleIceCandidate("bob", c) }}
	a.SetIceCandidateCallback(func(_ string, c webrtc.ICECandidateInit) { aToB.push(c) })
	b.SetIceCandidateCallback(func(_ string, c webrtc.ICECandidateInit) { bToA.push(c) })

	offerA, err := a.CreateOffer(ctx, "bob")
	require.NoError(t, err)
	offerB, err := b.CreateOffer(ctx, "alice")
	require.NoError(t, err)

	answerA, err := a.HandleOffer(ctx, "bob", offerB)
	require.NoError(t, err)
	assert.Equal(t, NegotiationStable, a.NegotiationState("bob"))
	assert.Contains(t, answerA, "m=audio")
	assert.Contains(t, answerA, "m=video")

	_, err = b.HandleOffer(ctx, "alice", offerA)
	var w *NegotiationWarning
	require.ErrorAs(t, err, &w)
	assert.Equal(t, "alice", w.ParticipantID)
	assert.Equal(t, NegotiationOffering, b.NegotiationState("alice"))

	require.NoError(t, b.HandleAnswer("alice", answerA))
	assert.Equal(t, NegotiationStable, b.NegotiationState("alice"))

	aToB.flush()
	bToA.flush()
	require.Eventually(t, func() bool {
		return a.CallState().Has("bob") && b.CallState().Has("alice")
	}, 20*time.Second, 50*time.Millisecond)
}

func TestPeerManagerRenegotiatesStableEntries(t *testing.T) {
	ctx := context.Background()
	a := newTestManager(t, "alice", nil)
	b := newTestManager(t, "bob", nil)
	_, err := b.InitializeLocalStream(ctx)
	require.NoError(t, err)

	offer, err := b.CreateOffer(ctx, "alice")
	require.NoError(t, err)
	_, err = a.HandleOffer(ctx, "bob", offer)
	require.NoError(t, err)
	require.Equal(t, NegotiationStable, a.NegotiationState("bob"))

	var needed []string
	a.SetNegotiationNeededCallback(func(id string) { needed = append(needed, id) })
	_, err = a.InitializeLocalStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, needed)
}

func TestNewPeerConnectionManagerValidation(t *testing.T) {
	logger := shared.NewNopLogger()
	source := &tools.SyntheticSource{}

	_, err := NewPeerConnectionManager(PeerManagerOptions{Source: source, LocalID: "a"})
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewPeerConnectionManager(PeerManagerOptions{Logger: logger, LocalID: "a"})
	assert.ErrorIs(t, err, shared.ErrNoMediaSource)
	_, err = NewPeerConnectionManager(PeerManagerOptions{Logger: logger, Source: source})
	assert.ErrorIs(t, err, shared.ErrNoUserID)
}
