package shared

import "errors"

var (
	ErrNoLogger             = errors.New("no logger provided")
	ErrNoConfig             = errors.New("no config provided")
	ErrNoMeetingAPI         = errors.New("no meeting API provided")
	ErrNoSignaler           = errors.New("no signaling channel provided")
	ErrNoPeerManager        = errors.New("no peer connection manager provided")
	ErrNoMediaSource        = errors.New("no media source configured")
	ErrNoBaseURL            = errors.New("no base URL provided")
	ErrNoMeetingID          = errors.New("no meeting id provided")
	ErrNoUserID             = errors.New("no user id provided")
	ErrNoUserName           = errors.New("no user name provided")
	ErrNotConnected         = errors.New("signaling channel not connected")
	ErrChannelClosed        = errors.New("signaling channel closed")
	ErrSessionNotActive     = errors.New("session not active")
	ErrSessionAlreadyActive = errors.New("session already active")
	ErrTornDown             = errors.New("torn down while in flight")
	ErrSelfCall             = errors.New("cannot call yourself")
)
