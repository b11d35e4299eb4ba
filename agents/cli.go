package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/meshcall"
	"github.com/bt-bridge/meshcall/shared"
	"github.com/bt-bridge/meshcall/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

const leaveTimeout = 10 * time.Second

const helpText = `users              list participants
call <user_id>     start a call with a participant
media              start camera and microphone
stop               stop media and hang up everyone
video on|off       toggle outgoing video
audio on|off       toggle outgoing audio
state              print the current call state
messages on|off    print inbound signaling messages
leave              leave the meeting and exit
help               show this help`

type CLIState struct {
	userID    string
	meetingID string
	stats     map[string]*tools.RemoteTrackStats
}

func NewCLIState() *CLIState {
	return &CLIState{
		stats: make(map[string]*tools.RemoteTrackStats),
	}
}

// CLIAgent joins a meeting and drives a SessionController from line commands.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	api     meshcall.MeetingAPI
	peers   *meshcall.PeerConnectionManager
	session *meshcall.SessionController
	state   *CLIState

	showMessages atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu sync.Mutex
}

// Spawn joins meetingID as userName (an empty meetingID creates a meeting),
// connects signaling and starts reading commands from input. It returns once
// the session is active.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	userName string,
	meetingID string,
	source tools.MediaSource,
	printer *shared.Printer,
	input io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if userName == "" {
		return shared.ErrNoUserName
	}
	if source == nil {
		return shared.ErrNoMediaSource
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.state = NewCLIState()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.println("🤖 Spawning CLI agent...\n", 0)

	a.println("📋 Config\n", 0)
	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		a.logger.Error("marshaling config to yaml", err)
		return err
	}
	if err := a.printer.Write(string(yamlBytes), 1); err != nil {
		a.logger.Error("printing config", err)
	}

	// Joining meeting
	a.api, err = meshcall.NewHTTPMeetingAPI(a.logger, cfg.API.BaseURL)
	if err != nil {
		a.logger.Error("creating meeting API", err)
		return err
	}
	a.println("\n\n🚪 Joining meeting...", 0)
	joined, err := a.api.JoinMeeting(a.ctx, meshcall.JoinMeetingRequest{UserName: userName, MeetingID: meetingID})
	if err != nil {
		a.logger.Error("joining meeting", err)
		a.println("❌ Unable to join the meeting.\n", 0)
		return err
	}
	a.state.userID = joined.UserID
	a.state.meetingID = joined.MeetingID
	a.logger = a.logger.With(zap.String("meeting", joined.MeetingID), zap.String("user", joined.UserID))
	a.logger.Info("joined meeting", zap.Int("users", len(joined.UsersInMeeting)))
	a.printf(0, "✅ Joined meeting %s as %s.\n", joined.MeetingID, joined.UserID)

	// Building session
	if err := a.build(cfg, source); err != nil {
		a.logger.Error("building session", err)
		return err
	}
	a.session.Roster().Subscribe(a.printRoster)
	a.session.SubscribeCallState(a.printCallState)
	a.session.OnRemoteStream(a.onRemoteStream)

	a.println("📡 Connecting to signaling...", 0)
	if err := a.session.Initialize(a.ctx); err != nil {
		a.logger.Error("initializing session", err)
		a.println("❌ Unable to start the session.\n", 0)
		a.session.Teardown()
		return err
	}
	a.println("✅ Session active. Type `help` for commands.\n", 0)
	a.printRoster(a.session.Roster().List())

	if input != nil {
		go a.readCommands(input)
	}
	return nil
}

func (a *CLIAgent) build(cfg *shared.Config, source tools.MediaSource) error {
	webrtcAPI, err := meshcall.NewWebRTCAPI(meshcall.APIOptions{Logger: a.logger})
	if err != nil {
		return err
	}
	a.peers, err = meshcall.NewPeerConnectionManager(meshcall.PeerManagerOptions{
		Logger:     a.logger,
		API:        webrtcAPI,
		ICEServers: meshcall.ICEServersFromURLs(cfg.WebRTC.STUNServers),
		Source:     source,
		LocalID:    a.state.userID,
	})
	if err != nil {
		return err
	}
	delay, err := cfg.ReconnectDelay()
	if err != nil {
		return err
	}
	sig, err := meshcall.NewSignalingChannel(meshcall.SignalingOptions{
		Logger:               a.logger,
		BaseURL:              cfg.WebSocket.BaseURL,
		MaxReconnectAttempts: cfg.WebSocket.ReconnectAttempts,
		ReconnectDelay:       delay,
	})
	if err != nil {
		return err
	}
	sig.Subscribe(a.printMessage)
	a.session, err = meshcall.NewSessionController(meshcall.SessionOptions{
		Logger:    a.logger,
		API:       a.api,
		Signaler:  sig,
		Peers:     a.peers,
		MeetingID: a.state.meetingID,
		UserID:    a.state.userID,
	})
	return err
}

func (a *CLIAgent) readCommands(input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		select {
		case <-a.done:
			return
		default:
		}
		if quit := a.Exec(scanner.Text()); quit {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading commands", err)
	}
}

// Exec runs one command line and reports whether the agent is finished.
func (a *CLIAgent) Exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	a.logger.Debug("command", zap.String("cmd", cmd), zap.Strings("args", args))

	switch cmd {
	case "help":
		a.println(helpText, 1)
	case "users":
		a.printRoster(a.session.Roster().List())
	case "state":
		a.printCallState(a.session.CallState())
	case "media":
		a.println("🎥 Accessing camera and microphone...", 0)
		if _, err := a.session.InitializeLocalMedia(a.ctx); err != nil {
			a.logger.Error("initializing local media", err)
			a.mediaFailed(err)
			return false
		}
		a.println("✅ Local media ready.", 0)
	case "call":
		if len(args) != 1 {
			a.println("usage: call <user_id>", 1)
			return false
		}
		a.printf(0, "📞 Calling %s...", args[0])
		if err := a.session.StartCallWith(a.ctx, args[0]); err != nil {
			a.logger.Error("starting call", err, zap.String("participant", args[0]))
			var mae *meshcall.MediaAccessError
			if errors.As(err, &mae) {
				a.mediaFailed(err)
				return false
			}
			a.printf(0, "❌ Call failed: %v", err)
		}
	case "stop":
		a.session.StopMedia()
		a.println("⏹️  Media stopped.", 0)
	case "messages":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			a.println("usage: messages on|off", 1)
			return false
		}
		a.showMessages.Store(args[0] == "on")
		a.printf(0, "🔧 messages %s", args[0])
	case "video", "audio":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			a.printf(1, "usage: %s on|off", cmd)
			return false
		}
		on := args[0] == "on"
		if cmd == "video" {
			a.session.ToggleVideo(on)
		} else {
			a.session.ToggleAudio(on)
		}
		a.printf(0, "🔧 %s %s", cmd, args[0])
	case "leave":
		a.println("👋 Leaving meeting...", 0)
		ctx, cancel := context.WithTimeout(a.ctx, leaveTimeout)
		err := a.session.LeaveSession(ctx)
		cancel()
		if err != nil {
			a.logger.Error("leaving session", err)
		}
		a.finish()
		return true
	default:
		a.printf(1, "unknown command %q, type `help`", cmd)
	}
	return false
}

func (a *CLIAgent) mediaFailed(err error) {
	a.printf(0, "❌ Unable to access camera or microphone: %v", err)
	a.println("Please ensure the devices are connected and that you have granted permission to access them.\n", 0)
}

func (a *CLIAgent) onRemoteStream(ev meshcall.RemoteStreamEvent) {
	if ev.Track == nil {
		return
	}
	a.mu.Lock()
	stats, ok := a.state.stats[ev.ParticipantID]
	if !ok {
		stats = new(tools.RemoteTrackStats)
		a.state.stats[ev.ParticipantID] = stats
	}
	a.mu.Unlock()
	a.printf(0, "📺 Receiving %s from %s", ev.Track.Kind(), ev.ParticipantID)
	go tools.DrainRemoteTrack(a.ctx, a.logger.With(zap.String("participant", ev.ParticipantID)), ev.Track, stats)
}

func (a *CLIAgent) printMessage(m *meshcall.Message) {
	if !a.showMessages.Load() {
		return
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		a.logger.Error("marshaling message to yaml", err)
		return
	}
	a.printf(0, "✉️  %s from %s", m.Type(), m.From)
	if err := a.printer.Write(string(out), 1); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) printRoster(list []meshcall.Participant) {
	a.printf(0, "👥 Participants (%d)", len(list))
	for _, p := range list {
		status := "online"
		if !p.IsOnline {
			status = "offline"
		}
		a.printf(1, "%s  %s  (%s)", p.ID, p.DisplayName, status)
	}
}

func (a *CLIAgent) printCallState(s meshcall.CallStateSnapshot) {
	a.printf(0, "📊 in call: %t, local media: %t, remote: [%s]",
		s.IsInCall, s.HasLocalStream, strings.Join(s.RemoteParticipantIDs, ", "))
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range s.RemoteParticipantIDs {
		if stats, ok := a.state.stats[id]; ok {
			a.printf(1, "%s: %d packets, %d bytes", id, stats.Packets.Load(), stats.Bytes.Load())
		}
	}
}

func (a *CLIAgent) println(s string, ind int) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func (a *CLIAgent) printf(ind int, format string, args ...any) {
	if err := a.printer.Writef(ind, format, args...); err != nil {
		a.logger.Error("printing message", err, zap.String("message", fmt.Sprintf(format, args...)))
	}
}

func (a *CLIAgent) finish() {
	a.closeOnce.Do(func() {
		a.cancel()
		close(a.done)
	})
}

// Done is closed once the agent has left the meeting or been closed.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Close tears the session down without waiting for the leave notification.
func (a *CLIAgent) Close() error {
	if a.session == nil {
		return errors.New("agent not spawned")
	}
	a.session.Teardown()
	a.finish()
	return nil
}
