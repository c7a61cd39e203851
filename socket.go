package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/smallnest/ringbuffer"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/voxbridge/realtime/internal/websocket"
	"github.com/voxbridge/realtime/shared"
)

const sessionBootstrapPath = "/realtime/sessions"

// BootstrapDescriptor is the short-lived session descriptor returned by
// the session-bootstrap boundary: the provider transport plus ephemeral
// credentials, wrapping the provider's raw session object.
type BootstrapDescriptor struct {
	URL              string         `json:"url"`
	Transport        string         `json:"transport"`
	Stream           bool           `json:"stream"`
	InputAudioFormat AudioFormat    `json:"inputAudioFormat"`
	Model            string         `json:"model"`
	ClientSecret     string         `json:"clientSecret,omitempty"`
	Session          map[string]any `json:"session"`
}

// NormalizeSessionURL accepts both ws(s):// and http(s):// base URLs and
// always produces an http(s) URL ending in /sessions.
func NormalizeSessionURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(u.Path, "/sessions") {
		u.Path += "/sessions"
	}
	return u.String(), nil
}

// FetchBootstrap asks the server-side bootstrap boundary for a session
// descriptor. The server turns the app configuration into a provider
// session and attaches ephemeral credentials.
func FetchBootstrap(ctx context.Context, gatewayURL string, overrides *SessionOptions) (*BootstrapDescriptor, error) {
	body, err := sonic.Marshal(overrides)
	if err != nil {
		return nil, fmt.Errorf("marshaling session overrides: %w", err)
	}

	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.JoinPath(sessionBootstrapPath).String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() >= 300 {
		return nil, decodeBoundaryError(resp.StatusCode(), resp.Body())
	}
	descriptor := new(BootstrapDescriptor)
	if err := sonic.Unmarshal(resp.Body(), descriptor); err != nil {
		return nil, fmt.Errorf("decoding bootstrap descriptor: %w", err)
	}
	if descriptor.URL == "" {
		return nil, fmt.Errorf("bootstrap descriptor carries no transport URL")
	}
	return descriptor, nil
}

// SocketSession drives one realtime session over a WebSocket. Audio written
// before the socket opens lands in a bounded ring buffer and is flushed as
// append events on open, followed by a commit and a response request.
type SocketSession struct {
	logger     shared.LoggerAdapter
	cfg        *SessionConfig
	dispatcher *Dispatcher

	mu        sync.Mutex
	ws        *websocket.Client
	pending   *ringbuffer.RingBuffer
	chunkSize int
	connected bool
}

// pendingBufferSeconds bounds pre-connect audio to ten seconds of PCM.
const pendingBufferSeconds = 10

func NewSocketSession(logger shared.LoggerAdapter, cfg *SessionConfig, dispatcher *Dispatcher) (*SocketSession, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg == nil {
		return nil, shared.ErrNoConfig
	}
	if dispatcher == nil {
		return nil, shared.ErrNoEventHandler
	}
	format := cfg.Audio.Input.Format
	bytesPerSecond := format.SampleRate * format.Channels * 2
	return &SocketSession{
		logger:     logger,
		cfg:        cfg,
		dispatcher: dispatcher,
		pending:    ringbuffer.New(bytesPerSecond * pendingBufferSeconds),
		chunkSize:  bytesPerSecond / 5, // 200ms chunks
	}, nil
}

// WriteAudio accepts one PCM chunk. Before the socket is open chunks are
// buffered; afterwards they are sent immediately as append events.
func (s *SocketSession) WriteAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		if _, err := s.pending.Write(chunk); err != nil {
			s.logger.Warn("pre-connect audio buffer full, dropping chunk",
				zap.Int("chunkBytes", len(chunk)))
		}
		return
	}
	s.sendAppendLocked(chunk)
}

func (s *SocketSession) sendAppendLocked(chunk []byte) {
	msg, err := NewInputAudioBufferAppend(chunk)
	if err != nil {
		s.logger.Error("building audio append event", err)
		return
	}
	s.ws.WriteText(msg)
}

// Open connects to the descriptor's transport URL and, once the socket is
// up, flushes buffered audio, commits it and requests a response carrying
// the resolved output modalities.
func (s *SocketSession) Open(ctx context.Context, descriptor *BootstrapDescriptor) error {
	headers := http.Header{}
	if descriptor.ClientSecret != "" {
		headers.Set("Authorization", "Bearer "+descriptor.ClientSecret)
	}
	ws, err := websocket.Connect(ctx, websocket.ClientConfig{
		URL:     descriptor.URL,
		Headers: headers,
		Logger:  s.logger,
		OnText: func(data []byte) error {
			s.dispatcher.HandleMessage(data)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("opening realtime socket: %w", err)
	}

	s.mu.Lock()
	s.ws = ws
	s.connected = true
	s.flushPendingLocked()
	s.mu.Unlock()
	return nil
}

func (s *SocketSession) flushPendingLocked() {
	buf := make([]byte, s.chunkSize)
	sent := false
	for s.pending.Length() > 0 {
		n, err := s.pending.Read(buf)
		if err != nil || n == 0 {
			break
		}
		s.sendAppendLocked(buf[:n])
		sent = true
	}
	if !sent {
		return
	}
	if msg, err := NewInputAudioBufferCommit(); err == nil {
		s.ws.WriteText(msg)
	} else {
		s.logger.Error("building audio commit event", err)
	}
	if msg, err := NewResponseCreate(s.cfg); err == nil {
		s.ws.WriteText(msg)
	} else {
		s.logger.Error("building response create event", err)
	}
}

// Commit flushes the provider-side input buffer and requests a response.
func (s *SocketSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	if msg, err := NewInputAudioBufferCommit(); err == nil {
		s.ws.WriteText(msg)
	}
	if msg, err := NewResponseCreate(s.cfg); err == nil {
		s.ws.WriteText(msg)
	}
}

func (s *SocketSession) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.ws.Done()
}

func (s *SocketSession) Close(ctx context.Context) error {
	s.mu.Lock()
	ws := s.ws
	s.ws = nil
	s.connected = false
	s.pending.Reset()
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(ctx)
}
