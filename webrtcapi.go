package meshcall

import (
	"fmt"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	Logger shared.LoggerAdapter
	// IncludeLoopback gathers 127.0.0.1 candidates; used when both peers run
	// on one host.
	IncludeLoopback bool
}

// NewWebRTCAPI builds a pion API with the default codecs and interceptors and
// routes pion's own logging through opts.Logger.
func NewWebRTCAPI(opts APIOptions) (*webrtc.API, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering default codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("registering default interceptors: %w", err)
	}
	se := webrtc.SettingEngine{
		LoggerFactory: &shared.PionLoggerFactory{Logger: opts.Logger},
	}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// ICEServersFromURLs turns configured STUN URIs into a single ICE server entry.
func ICEServersFromURLs(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), urls...)}}
}
