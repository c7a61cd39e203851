package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/voxbridge/realtime/shared"
	"github.com/voxbridge/realtime/tools"
)

// Status is the recorder lifecycle state. completed and error are
// terminal; a recorder that reached either is reset before reuse.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusAcquiringMedia Status = "acquiring_media"
	StatusNegotiating    Status = "negotiating"
	StatusConnected      Status = "connected"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

type Transport string

const (
	TransportWebRTC    Transport = "webrtc"
	TransportWebSocket Transport = "websocket"
)

// SessionSettings are the caller's global speech toggles that must be
// forced on while a session is open and restored on exit.
type SessionSettings struct {
	mu           sync.Mutex
	SpeechToText bool
	TextToSpeech bool
	AutoPlayback bool
}

// sessionOverride forces the toggles on and returns a restore closure.
// Callers run the closure on every teardown path.
func (s *SessionSettings) sessionOverride() func() {
	s.mu.Lock()
	prevSTT, prevTTS, prevPlayback := s.SpeechToText, s.TextToSpeech, s.AutoPlayback
	s.SpeechToText = true
	s.TextToSpeech = true
	s.AutoPlayback = true
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.SpeechToText = prevSTT
		s.TextToSpeech = prevTTS
		s.AutoPlayback = prevPlayback
		s.mu.Unlock()
	}
}

// RecorderConfig wires one recorder instance to its collaborators.
type RecorderConfig struct {
	Logger    shared.LoggerAdapter
	BaseURL   string
	Token     string
	Transport Transport

	Service   ServiceDefaults
	Session   *SessionOptions
	Overrides *SessionOptions

	// RewriteMode opts the reconciler into provider-revision handling.
	RewriteMode bool
	// SubmitDelay postpones OnComplete after finalization; zero fires it
	// synchronously.
	SubmitDelay time.Duration

	Settings *SessionSettings

	OnStatus   func(status Status)
	OnText     func(aggregate string)
	OnComplete func(final string)
	OnError    func(err *shared.APIError)
	OnAudio    func(event *ServerEvent)
}

// Recorder owns the lifetime of one voice session at a time: transport,
// media stream, transcript aggregate and timers. All slots are nulled
// synchronously on teardown so nothing references a stale session.
type Recorder struct {
	logger shared.LoggerAdapter
	cfg    RecorderConfig

	mu          sync.Mutex
	status      Status
	aborted     bool
	session     *SessionConfig
	client      *Client
	sock        *SocketSession
	mic         *tools.Microphone
	dispatcher  *Dispatcher
	submitTimer *time.Timer
	restore     func()
	cancel      context.CancelFunc
}

func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportWebRTC
	}
	return &Recorder{
		logger: cfg.Logger,
		cfg:    cfg,
		status: StatusIdle,
	}, nil
}

func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) setStatus(status Status) {
	r.mu.Lock()
	if r.status == status {
		r.mu.Unlock()
		return
	}
	r.status = status
	r.mu.Unlock()
	if r.cfg.OnStatus != nil {
		r.cfg.OnStatus(status)
	}
}

// abortedNow is checked after every suspension point in the negotiation
// sequence.
func (r *Recorder) abortedNow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// Start begins one recording session. Starting while a session is active
// is rejected, not queued.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusIdle && !r.status.Terminal() {
		r.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	r.aborted = false
	ctx, r.cancel = context.WithCancel(ctx)
	if r.cfg.Settings != nil {
		r.restore = r.cfg.Settings.sessionOverride()
	}
	r.mu.Unlock()

	session := Resolve(r.cfg.Service, r.cfg.Session, r.cfg.Overrides)
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Logger:     r.logger,
		Reconciler: NewReconciler(r.cfg.RewriteMode),
		OnText:     r.cfg.OnText,
		OnComplete: r.scheduleComplete,
		OnError:    r.cfg.OnError,
		OnAudio:    r.cfg.OnAudio,
		SetStatus:  r.setStatus,
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.session = &session
	r.dispatcher = dispatcher
	r.mu.Unlock()

	switch r.cfg.Transport {
	case TransportWebSocket:
		return r.startSocket(ctx, &session, dispatcher)
	default:
		return r.startWebRTC(ctx, &session, dispatcher)
	}
}

func (r *Recorder) startWebRTC(ctx context.Context, session *SessionConfig, dispatcher *Dispatcher) error {
	r.setStatus(StatusAcquiringMedia)
	mic, err := tools.CaptureMicrophone(session.Audio.Input.Format.SampleRate, session.Audio.Input.Format.Channels)
	if err != nil {
		r.failSession("Microphone permission denied", err)
		r.teardown(false)
		return err
	}
	if r.abortedNow() {
		tools.StopStream(mic.Stream)
		r.teardown(false)
		return shared.ErrSessionAborted
	}
	r.mu.Lock()
	r.mic = mic
	r.mu.Unlock()

	client, err := NewClient(ctx, r.logger, r.cfg.Token, r.cfg.BaseURL)
	if err != nil {
		r.failSession("Call setup failed", err)
		r.teardown(false)
		return err
	}
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()

	if err := client.SetConfig(session); err != nil {
		r.failSession("Call setup failed", err)
		r.teardown(false)
		return err
	}
	if err := client.RegisterMessageHandler(func() {
		r.setStatus(StatusConnected)
	}, dispatcher.HandleMessage); err != nil {
		r.failSession("Call setup failed", err)
		r.teardown(false)
		return err
	}
	if err := client.RegisterTrackLocalHandler(func(track *webrtc.TrackLocalStaticSample) {
		tools.StreamLocalAudio(ctx, r.logger, track, mic.Track, mic.FrameDuration)
	}); err != nil {
		r.failSession("Call setup failed", err)
		r.teardown(false)
		return err
	}
	if session.AudioOutput && r.cfg.OnAudio != nil {
		// Remote audio frames stay out of text reconciliation; the observer
		// gets the raw track.
		if err := client.RegisterTrackRemoteHandler(func(track *webrtc.TrackRemote) {
			r.logger.Info("remote audio track started", zap.String("codec", track.Codec().MimeType))
		}); err != nil {
			r.logger.Warn("registering track remote handler failed", zap.Error(err))
		}
	}

	r.setStatus(StatusNegotiating)
	if err := client.Start(); err != nil {
		if r.abortedNow() {
			r.teardown(false)
			return shared.ErrSessionAborted
		}
		r.failNegotiation(err)
		r.teardown(false)
		return err
	}
	if r.abortedNow() {
		r.teardown(false)
		return shared.ErrSessionAborted
	}

	go r.watchTransport(client.Done())
	return nil
}

func (r *Recorder) startSocket(ctx context.Context, session *SessionConfig, dispatcher *Dispatcher) error {
	r.setStatus(StatusAcquiringMedia)
	if r.abortedNow() {
		r.teardown(false)
		return shared.ErrSessionAborted
	}

	r.setStatus(StatusNegotiating)
	descriptor, err := FetchBootstrap(ctx, r.cfg.BaseURL, MergeOptions(r.cfg.Session, r.cfg.Overrides))
	if err != nil {
		r.failNegotiation(err)
		r.teardown(false)
		return err
	}
	if r.abortedNow() {
		r.teardown(false)
		return shared.ErrSessionAborted
	}

	sock, err := NewSocketSession(r.logger, session, dispatcher)
	if err != nil {
		r.failNegotiation(err)
		r.teardown(false)
		return err
	}
	r.mu.Lock()
	r.sock = sock
	r.mu.Unlock()

	if err := sock.Open(ctx, descriptor); err != nil {
		if r.abortedNow() {
			r.teardown(false)
			return shared.ErrSessionAborted
		}
		r.failNegotiation(err)
		r.teardown(false)
		return err
	}
	if r.abortedNow() {
		r.teardown(false)
		return shared.ErrSessionAborted
	}

	r.setStatus(StatusConnected)
	go r.watchTransport(sock.Done())
	return nil
}

// WriteAudio feeds one PCM chunk into an active socket session.
func (r *Recorder) WriteAudio(chunk []byte) {
	r.mu.Lock()
	sock := r.sock
	r.mu.Unlock()
	if sock != nil {
		sock.WriteAudio(chunk)
	}
}

// watchTransport finalizes or tears down when the transport drops. A
// transcript that already accumulated text is finalized with what exists
// rather than discarded.
func (r *Recorder) watchTransport(done <-chan struct{}) {
	<-done
	r.mu.Lock()
	dispatcher := r.dispatcher
	aborted := r.aborted
	r.mu.Unlock()
	if dispatcher == nil || aborted {
		return
	}
	if dispatcher.Finalized() {
		return
	}
	if dispatcher.HasText() {
		dispatcher.Finalize(dispatcher.Text())
		return
	}
	r.logger.Warn("transport dropped before any transcript arrived")
	r.teardown(true)
}

// Stop cancels the session cooperatively. Accumulated transcript text is
// finalized, never silently discarded.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.aborted && r.status == StatusIdle {
		r.mu.Unlock()
		return
	}
	r.aborted = true
	dispatcher := r.dispatcher
	r.mu.Unlock()

	if dispatcher != nil && !dispatcher.Finalized() && dispatcher.HasText() {
		dispatcher.Finalize(dispatcher.Text())
	}
	r.teardown(true)
}

// scheduleComplete runs on finalization: transition to completed and hand
// the final text to the caller, optionally after the configured delay.
// A user-initiated stop delivers synchronously regardless of the delay;
// the teardown that follows it must never cancel the delivery.
func (r *Recorder) scheduleComplete(final string) {
	r.setStatus(StatusCompleted)
	deliver := func() {
		if r.cfg.OnComplete != nil {
			r.cfg.OnComplete(final)
		}
		r.teardown(false)
	}
	r.mu.Lock()
	if r.cfg.SubmitDelay <= 0 || r.aborted {
		r.mu.Unlock()
		deliver()
		return
	}
	if r.submitTimer != nil {
		r.submitTimer.Stop()
	}
	r.submitTimer = time.AfterFunc(r.cfg.SubmitDelay, deliver)
	r.mu.Unlock()
}

func (r *Recorder) failSession(message string, err error) {
	r.logger.Error(message, err)
	r.setStatus(StatusError)
	if r.cfg.OnError != nil {
		apiErr := shared.AsAPIError(err)
		apiErr.Message = message
		r.cfg.OnError(apiErr)
	}
}

// failNegotiation propagates a collaborator error unchanged: status,
// message and code are logged and surfaced exactly as received.
func (r *Recorder) failNegotiation(err error) {
	apiErr := shared.AsAPIError(err)
	r.logger.Error("session negotiation failed", apiErr,
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
	)
	r.setStatus(StatusError)
	if r.cfg.OnError != nil {
		r.cfg.OnError(apiErr)
	}
}

// teardown releases every session resource and nulls the slots. Runs on
// success, error, caller cancel and transport drop alike.
func (r *Recorder) teardown(resetStatus bool) {
	r.mu.Lock()
	client := r.client
	sock := r.sock
	mic := r.mic
	timer := r.submitTimer
	restore := r.restore
	cancel := r.cancel
	status := r.status
	r.client = nil
	r.sock = nil
	r.mic = nil
	r.submitTimer = nil
	r.restore = nil
	r.cancel = nil
	r.dispatcher = nil
	r.session = nil
	r.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if client != nil {
		_ = client.Close()
	}
	if sock != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), 2*time.Second)
		_ = sock.Close(closeCtx)
		cancelClose()
	}
	if mic != nil {
		tools.StopStream(mic.Stream)
	}
	if cancel != nil {
		cancel()
	}
	if restore != nil {
		restore()
	}
	if resetStatus && !status.Terminal() {
		r.setStatus(StatusIdle)
	}
}
