package meshcall

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/meshcall/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

type MeetingUser struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	IsOnline *bool  `json:"is_online,omitempty"`
}

type JoinMeetingRequest struct {
	UserName  string `json:"user_name"`
	MeetingID string `json:"meeting_id,omitempty"`
}

type JoinMeetingResponse struct {
	MeetingID      string        `json:"meeting_id"`
	UserID         string        `json:"user_id"`
	UsersInMeeting []MeetingUser `json:"users_in_meeting"`
}

type MeetingInfo struct {
	MeetingID   string        `json:"meeting_id"`
	MeetingName string        `json:"meeting_name,omitempty"`
	Users       []MeetingUser `json:"users"`
	CreatedAt   string        `json:"created_at"`
}

type LeaveMeetingRequest struct {
	MeetingID string `json:"meeting_id"`
	UserID    string `json:"user_id"`
}

// MeetingAPI is the request/response collaborator for meeting membership.
type MeetingAPI interface {
	JoinMeeting(ctx context.Context, req JoinMeetingRequest) (*JoinMeetingResponse, error)
	MeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error)
	LeaveMeeting(ctx context.Context, req LeaveMeetingRequest) error
	// LeaveMeetingBeacon delivers a leave without waiting for the outcome.
	LeaveMeetingBeacon(req LeaveMeetingRequest)
}

type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

const beaconTimeout = 5 * time.Second

type HTTPMeetingAPI struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	client  *fasthttp.Client
}

var _ MeetingAPI = (*HTTPMeetingAPI)(nil)

func NewHTTPMeetingAPI(logger shared.LoggerAdapter, baseURL string) (*HTTPMeetingAPI, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if baseURL == "" {
		return nil, shared.ErrNoBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &HTTPMeetingAPI{
		logger:  logger.With(zap.String("component", "meeting_api")),
		baseURL: u,
		client: &fasthttp.Client{
			Name:         "meshcall/" + shared.Version,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (a *HTTPMeetingAPI) JoinMeeting(ctx context.Context, req JoinMeetingRequest) (*JoinMeetingResponse, error) {
	if req.UserName == "" {
		return nil, shared.ErrNoUserName
	}
	out := new(JoinMeetingResponse)
	if err := a.do(ctx, fasthttp.MethodPost, a.baseURL.JoinPath("meeting", "join"), req, out); err != nil {
		return nil, fmt.Errorf("joining meeting: %w", err)
	}
	return out, nil
}

func (a *HTTPMeetingAPI) MeetingInfo(ctx context.Context, meetingID string) (*MeetingInfo, error) {
	if meetingID == "" {
		return nil, shared.ErrNoMeetingID
	}
	out := new(MeetingInfo)
	if err := a.do(ctx, fasthttp.MethodGet, a.baseURL.JoinPath("meeting", meetingID, "info"), nil, out); err != nil {
		return nil, fmt.Errorf("loading meeting info: %w", err)
	}
	return out, nil
}

func (a *HTTPMeetingAPI) LeaveMeeting(ctx context.Context, req LeaveMeetingRequest) error {
	if req.MeetingID == "" {
		return shared.ErrNoMeetingID
	}
	if err := a.do(ctx, fasthttp.MethodPost, a.baseURL.JoinPath("meeting", "leave"), req, nil); err != nil {
		return fmt.Errorf("leaving meeting: %w", err)
	}
	return nil
}

func (a *HTTPMeetingAPI) LeaveMeetingBeacon(req LeaveMeetingRequest) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := a.LeaveMeeting(ctx, req); err != nil {
			a.logger.Warn("leave beacon failed", zap.Error(err), zap.String("meeting", req.MeetingID))
		}
	}()
}

// do runs one JSON request. The request and response are owned by the worker
// goroutine so an abandoned call never touches released objects.
func (a *HTTPMeetingAPI) do(ctx context.Context, method string, u *url.URL, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = sonic.Marshal(body); err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
	}

	type result struct {
		status int
		body   []byte
		err    error
	}
	resC := make(chan result, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(u.String())
		req.Header.SetMethod(method)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.SetContentType("application/json")
			req.SetBody(payload)
		}
		var err error
		if deadline, ok := ctx.Deadline(); ok {
			err = a.client.DoDeadline(req, resp, deadline)
		} else {
			err = a.client.Do(req, resp)
		}
		resC <- result{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
			err:    err,
		}
	}()

	var res result
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res = <-resC:
	}
	if res.err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if _, ok := ctx.Deadline(); ok && errors.Is(res.err, fasthttp.ErrTimeout) {
			return context.DeadlineExceeded
		}
		return fmt.Errorf("performing HTTP request: %w", res.err)
	}
	a.logger.Trace("meeting api call",
		zap.String("method", method),
		zap.String("url", u.String()),
		zap.Int("status", res.status),
	)
	if res.status < 200 || res.status > 299 {
		return &StatusError{StatusCode: res.status, Body: string(res.body)}
	}
	if out == nil || len(res.body) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(res.body, out); err != nil {
		return fmt.Errorf("unmarshaling response: %w", err)
	}
	return nil
}
