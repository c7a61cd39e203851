package realtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"net/url"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/voxbridge/realtime/shared"
)

// DataChannelLabel is created before any track is added so the channel id
// stays stable across negotiations.
const DataChannelLabel = "oai-events"

const callSetupPath = "/realtime/calls"

type TrackRemoteHandler func(track *webrtc.TrackRemote)
type TrackLocalHandler func(track *webrtc.TrackLocalStaticSample)

type MessageHandler func(data []byte)

// CallAnswer is the call-setup response: the SDP answer plus an optional
// expiry. The boundary historically used several key spellings; all are
// accepted, only sdp_answer is ever re-emitted.
type CallAnswer struct {
	SDPAnswer string `json:"sdp_answer"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

func parseCallAnswer(body []byte) (*CallAnswer, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding call answer: %w", err)
	}
	answer := &CallAnswer{}
	for _, key := range []string{"sdp", "sdp_answer", "sdpAnswer"} {
		if v, ok := raw[key].(string); ok && v != "" {
			answer.SDPAnswer = v
			break
		}
	}
	if answer.SDPAnswer == "" {
		return nil, errors.New("call answer carries no SDP")
	}
	for _, key := range []string{"expires_at", "expiresAt"} {
		if v, ok := raw[key].(string); ok && v != "" {
			answer.ExpiresAt = v
			break
		}
	}
	return answer, nil
}

// Client negotiates one WebRTC session against the call-setup boundary:
// data channel first, microphone tracks, local offer, multipart POST of
// offer plus resolved session config, remote answer. One Client serves one
// session and is discarded afterwards.
type Client struct {
	logger  shared.LoggerAdapter
	baseUrl *url.URL
	token   string
	cfg     *SessionConfig

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	dc      *webrtc.DataChannel
	running bool
	answer  *CallAnswer

	audioL   *webrtc.TrackLocalStaticSample
	audioTLH TrackLocalHandler
	audioTRH TrackRemoteHandler
	mh       MessageHandler
	onOpen   func()

	state     webrtc.PeerConnectionState
	connected <-chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewClient(ctx context.Context, logger shared.LoggerAdapter, token, baseUrl string) (c *Client, err error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	var baseUrl_ *url.URL
	if baseUrl != "" {
		baseUrl_, err = url.Parse(baseUrl)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
	} else {
		baseUrl_ = &url.URL{Scheme: "https", Host: "api.openai.com", Path: "/v1"}
	}
	ctx, cancel := context.WithCancelCause(ctx)
	c = &Client{
		logger:  logger,
		baseUrl: baseUrl_,
		token:   token,
		ctx:     ctx,
		cancel:  cancel,
	}

	c.pc, err = webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	connected := make(chan struct{})
	connectedGotClosed := false
	c.connected = connected

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.respectCtx(); err != nil {
			return
		}
		c.logger.Debug(
			"peer connection state changed",
			zap.String("prev", c.state.String()),
			zap.String("new", state.String()),
		)
		c.state = state
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
				if c.audioTLH != nil {
					go c.audioTLH(c.audioL)
				}
				return
			}
			c.logger.Warn("peer connection reported connected more than once")
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			if !connectedGotClosed {
				connectedGotClosed = true
				close(connected)
			}
			c.cancel(fmt.Errorf("peer connection state is %s", state))
		}
	})

	c.dc, err = c.pc.CreateDataChannel(DataChannelLabel, nil)
	if err != nil {
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	if err := c.respectCtx(); err != nil {
		return nil, fmt.Errorf("respecting client context: %w", err)
	}
	return
}

func (c *Client) respectCtx() error {
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
		c.pc = nil
		c.dc = nil
	}
	if c.cancel != nil {
		c.cancel(errors.New("client closed"))
		c.cancel = nil
	}
	c.running = false
	return nil
}

func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) Connected() <-chan struct{} {
	return c.connected
}

func (c *Client) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Answer returns the parsed call answer once negotiation succeeded.
func (c *Client) Answer() *CallAnswer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answer
}

func (c *Client) SetConfig(cfg *SessionConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	c.cfg = cfg
	return nil
}

func (c *Client) RegisterTrackLocalHandler(handler TrackLocalHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTLH != nil || c.audioL != nil {
		return errors.New("track local handler already set")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var err error
	c.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		return fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = c.pc.AddTrack(c.audioL); err != nil {
		return fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	c.audioTLH = handler
	return nil
}

func (c *Client) RegisterTrackRemoteHandler(handler TrackRemoteHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.audioTRH != nil {
		return errors.New("track remote handler already set")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.audioTRH = handler
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go c.audioTRH(track)
		}
	})
	return nil
}

// RegisterMessageHandler wires incoming data-channel messages (and channel
// open) to the given handlers. onOpen fires when the signaling channel is
// usable, which is when recording officially begins.
func (c *Client) RegisterMessageHandler(onOpen func(), handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.mh != nil {
		return errors.New("message handler already set")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.mh = handler
	c.onOpen = onOpen
	c.dc.OnOpen(func() {
		c.logger.Info("data channel opened", zap.String("label", DataChannelLabel))
		if c.onOpen != nil {
			c.onOpen()
		}
	})
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.logger.Warn("received non-string message on data channel")
			return
		}
		c.mh(msg.Data)
	})
	return nil
}

// Start creates the local offer, exchanges it with the call-setup boundary
// and applies the returned answer. The client context is re-checked after
// every suspension point so a cancel issued mid-negotiation tears down
// without side effects.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return shared.ErrSessionAlreadyRunning
	}
	if c.cfg == nil {
		return shared.ErrNoConfig
	}
	if c.pc == nil || c.dc == nil {
		return shared.ErrClientNotInitialized
	}
	if c.mh == nil {
		return shared.ErrNoEventHandler
	}

	if c.cfg.AudioOutput {
		// Receive direction must be in the offer when the session asks for
		// audio back.
		if _, err := c.pc.AddTransceiverFromKind(
			webrtc.RTPCodecTypeAudio,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
		); err != nil {
			return fmt.Errorf("adding receive transceiver: %w", err)
		}
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		c.cancel(fmt.Errorf("creating offer: %w", err))
		return fmt.Errorf("creating offer: %w", err)
	}
	if err = c.pc.SetLocalDescription(offer); err != nil {
		c.cancel(fmt.Errorf("setting local description: %w", err))
		return fmt.Errorf("setting local description: %w", err)
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	answer, err := c.createCall(offer.SDP)
	if err != nil {
		c.cancel(fmt.Errorf("creating call: %w", err))
		return err
	}
	if err := c.respectCtx(); err != nil {
		return fmt.Errorf("respecting client context: %w", err)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDPAnswer,
	}); err != nil {
		c.cancel(fmt.Errorf("setting remote description: %w", err))
		return fmt.Errorf("setting remote description: %w", err)
	}
	c.answer = answer
	c.running = true
	return nil
}

// createCall POSTs the offer and the resolved session as a multipart body
// to the call-setup boundary. Collaborator errors pass through with their
// status, message and code unchanged.
func (c *Client) createCall(offer string) (*CallAnswer, error) {
	sessBytes, err := sonic.Marshal(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling session config: %w", err)
	}
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)

	sdpHeaders := textproto.MIMEHeader{}
	sdpHeaders.Set("Content-Disposition", `form-data; name="sdp"`)
	sdpHeaders.Set("Content-Type", "application/sdp")
	sdpPart, err := writer.CreatePart(sdpHeaders)
	if err != nil {
		return nil, fmt.Errorf("creating SDP part: %w", err)
	}
	if _, err = sdpPart.Write([]byte(offer)); err != nil {
		return nil, fmt.Errorf("writing SDP part: %w", err)
	}

	sessionHeaders := textproto.MIMEHeader{}
	sessionHeaders.Set("Content-Disposition", `form-data; name="session"`)
	sessionHeaders.Set("Content-Type", "application/json")
	sessionPart, err := writer.CreatePart(sessionHeaders)
	if err != nil {
		return nil, fmt.Errorf("creating session part: %w", err)
	}
	if _, err = sessionPart.Write(sessBytes); err != nil {
		return nil, fmt.Errorf("writing session part: %w", err)
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart writer: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseUrl.JoinPath(callSetupPath).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.SetBody(body.Bytes())

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() >= 300 {
		return nil, decodeBoundaryError(resp.StatusCode(), resp.Body())
	}
	return parseCallAnswer(resp.Body())
}

// decodeBoundaryError turns a non-2xx boundary response into an APIError,
// keeping the collaborator's status, message and code intact.
func decodeBoundaryError(status int, body []byte) error {
	apiErr := &shared.APIError{Status: status, Message: fasthttp.StatusMessage(status)}
	var raw map[string]any
	if err := sonic.Unmarshal(body, &raw); err == nil {
		if msg, ok := raw["message"].(string); ok && msg != "" {
			apiErr.Message = msg
		} else if errObj, ok := raw["error"].(map[string]any); ok {
			if msg, ok := errObj["message"].(string); ok && msg != "" {
				apiErr.Message = msg
			}
		}
		if code, ok := raw["code"].(string); ok {
			apiErr.Code = code
		}
		if status, ok := asInt(raw["status"]); ok {
			apiErr.Status = status
		}
	}
	return apiErr
}
