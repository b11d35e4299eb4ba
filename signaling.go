package meshcall

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ChannelState int

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	}
	return fmt.Sprintf("ChannelState(%d)", int(s))
}

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second

	signalingDialTimeout  = 10 * time.Second
	signalingWriteTimeout = 5 * time.Second
)

type SignalingOptions struct {
	Logger  shared.LoggerAdapter
	BaseURL string
	// MaxReconnectAttempts of 0 means DefaultMaxReconnectAttempts; a negative
	// value disables reconnection.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	Dialer               *websocket.Dialer
}

// SignalingURL builds <base>/meeting/{meetingID}/ws?user_id={userID}. http and
// https bases are mapped to ws and wss.
func SignalingURL(base, meetingID, userID string) (string, error) {
	if base == "" {
		return "", shared.ErrNoBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing websocket base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	u = u.JoinPath("meeting", meetingID, "ws")
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SignalingChannel keeps one websocket to the relay open, reconnecting with a
// fixed delay after abnormal closes. Inbound messages are delivered to
// subscribers from a single goroutine in arrival order.
type SignalingChannel struct {
	logger      shared.LoggerAdapter
	baseURL     string
	maxAttempts int
	delay       time.Duration
	dialer      *websocket.Dialer
	hub         *shared.Hub[*Message]

	writeMu sync.Mutex

	mu           sync.Mutex
	state        ChannelState
	conn         *websocket.Conn
	meetingID    string
	userID       string
	attempts     int
	manual       bool
	epoch        uint64
	timer        *time.Timer
	reconnectSeq uint64
}

func NewSignalingChannel(opts SignalingOptions) (*SignalingChannel, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.BaseURL == "" {
		return nil, shared.ErrNoBaseURL
	}
	maxAttempts := opts.MaxReconnectAttempts
	switch {
	case maxAttempts == 0:
		maxAttempts = DefaultMaxReconnectAttempts
	case maxAttempts < 0:
		maxAttempts = 0
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := opts.Logger.With(zap.String("component", "signaling"))
	return &SignalingChannel{
		logger:      logger,
		baseURL:     opts.BaseURL,
		maxAttempts: maxAttempts,
		delay:       delay,
		dialer:      dialer,
		hub:         shared.NewHub[*Message](logger, "signaling"),
	}, nil
}

func (c *SignalingChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SignalingChannel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *SignalingChannel) Subscribe(fn func(*Message)) shared.Subscription {
	return c.hub.Subscribe(fn)
}

func (c *SignalingChannel) Unsubscribe(s shared.Subscription) bool {
	return c.hub.Unsubscribe(s)
}

// Connect opens the transport. A failed dial returns *ConnectError and is
// retried in the background like an abnormal close.
func (c *SignalingChannel) Connect(ctx context.Context, meetingID, userID string) error {
	if meetingID == "" {
		return shared.ErrNoMeetingID
	}
	if userID == "" {
		return shared.ErrNoUserID
	}
	c.mu.Lock()
	if c.state == ChannelConnected && c.meetingID == meetingID && c.userID == userID {
		c.mu.Unlock()
		return nil
	}
	c.manual = false
	c.meetingID = meetingID
	c.userID = userID
	c.stopTimerLocked()
	old := c.conn
	c.conn = nil
	c.epoch++
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := c.dial(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Send writes msg to the relay without its From field. While the transport is
// not open the message is dropped with a warning and ErrNotConnected.
func (c *SignalingChannel) Send(msg *Message) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != ChannelConnected {
		c.logger.Warn("signaling channel not connected, dropping message",
			zap.String("type", string(msg.Type())),
			zap.String("to", msg.To),
		)
		return shared.ErrNotConnected
	}
	out := &Message{To: msg.To, Payload: msg.Payload}
	data, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(signalingWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Error("writing signaling message failed", err, zap.String("type", string(msg.Type())))
		// The read loop sees the broken connection and reconnects.
		_ = conn.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	c.logger.Trace("sent", zap.String("type", string(msg.Type())), zap.String("to", msg.To))
	return nil
}

// Disconnect closes the transport for good: no reconnection follows and all
// subscribers are dropped.
func (c *SignalingChannel) Disconnect() {
	c.mu.Lock()
	c.manual = true
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.state = ChannelDisconnected
	c.epoch++
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.hub.Clear()
	c.logger.Info("signaling channel disconnected")
}

func (c *SignalingChannel) dial(ctx context.Context) error {
	c.mu.Lock()
	meetingID, userID := c.meetingID, c.userID
	c.state = ChannelConnecting
	c.mu.Unlock()

	target, err := SignalingURL(c.baseURL, meetingID, userID)
	if err != nil {
		c.setState(ChannelDisconnected)
		return &ConnectError{URL: c.baseURL, Err: err}
	}
	c.logger.Debug("dialing relay", zap.String("url", target))
	conn, _, err := c.dialer.DialContext(ctx, target, nil)

	c.mu.Lock()
	if c.manual {
		c.state = ChannelDisconnected
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return &ConnectError{URL: target, Err: shared.ErrChannelClosed}
	}
	if err != nil {
		c.state = ChannelDisconnected
		c.mu.Unlock()
		return &ConnectError{URL: target, Err: err}
	}
	c.epoch++
	epoch := c.epoch
	stale := c.conn
	c.conn = conn
	c.state = ChannelConnected
	c.attempts = 0
	c.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}

	c.logger.Info("signaling channel connected", zap.String("meeting", meetingID), zap.String("user", userID))
	go c.readLoop(conn, epoch)
	return nil
}

func (c *SignalingChannel) readLoop(conn *websocket.Conn, epoch uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, epoch, err)
			return
		}
		if !c.current(epoch) {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("dropping malformed signaling message", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		c.logger.Trace("received", zap.String("type", string(msg.Type())), zap.String("from", msg.From))
		c.hub.Publish(msg)
	}
}

func (c *SignalingChannel) handleClose(conn *websocket.Conn, epoch uint64, cause error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = ChannelDisconnected
	manual := c.manual
	c.mu.Unlock()
	_ = conn.Close()

	if manual {
		return
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.logger.Info("relay closed the signaling channel")
		return
	}
	c.logger.Warn("signaling channel closed abnormally", zap.Error(cause))
	c.scheduleReconnect()
}

func (c *SignalingChannel) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.manual || c.timer != nil {
		return
	}
	if c.attempts >= c.maxAttempts {
		c.state = ChannelDisconnected
		c.logger.Warn("giving up reconnecting", zap.Int("attempts", c.attempts))
		return
	}
	c.attempts++
	c.reconnectSeq++
	seq := c.reconnectSeq
	attempt := c.attempts
	c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", c.delay))
	c.timer = time.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if c.reconnectSeq != seq || c.manual {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), signalingDialTimeout)
		defer cancel()
		if err := c.dial(ctx); err != nil {
			c.logger.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			c.scheduleReconnect()
		}
	})
}

func (c *SignalingChannel) stopTimerLocked() {
	c.reconnectSeq++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *SignalingChannel) current(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func (c *SignalingChannel) setState(s ChannelState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}
