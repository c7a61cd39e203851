package realtime

import (
	"encoding/base64"
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	nanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"

	"github.com/voxbridge/realtime/shared"
)

type EventType string

// Server event types (incoming over the data channel or socket).
const (
	ServerEventTypeTranscriptionDelta     EventType = "conversation.item.input_audio_transcription.delta"
	ServerEventTypeTranscriptionCompleted EventType = "conversation.item.input_audio_transcription.completed"
	ServerEventTypeResponseCompleted      EventType = "response.completed"
	ServerEventTypeResponseFinished       EventType = "response.finished"
	ServerEventTypeResponseError          EventType = "response.error"
)

// Client event types (outgoing).
const (
	ClientEventTypeInputAudioBufferAppend EventType = "input_audio_buffer.append"
	ClientEventTypeInputAudioBufferCommit EventType = "input_audio_buffer.commit"
	ClientEventTypeResponseCreate         EventType = "response.create"
)

// Prefixes of server events forwarded verbatim to the audio observer.
var audioEventPrefixes = []string{"response.output_audio.", "response.speech."}

// ServerEvent is one incoming wire event: the type discriminator plus the
// raw decoded payload. Payload shapes vary across provider revisions, so
// fields are harvested rather than bound to a fixed struct.
type ServerEvent struct {
	Type    EventType
	EventId string
	Raw     map[string]any
}

func ParseServerEvent(data []byte) (*ServerEvent, error) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	e := &ServerEvent{Raw: raw}
	if v, ok := raw["type"].(string); ok {
		e.Type = EventType(v)
	}
	if v, ok := raw["event_id"].(string); ok {
		e.EventId = v
	}
	return e, nil
}

// Dispatcher routes incoming events to transcript, completion, error and
// audio handling, independent of which transport produced them. Unknown
// event types are ignored; the protocol is expected to evolve.
type Dispatcher struct {
	logger     shared.LoggerAdapter
	reconciler *Reconciler

	onText     func(aggregate string)
	onComplete func(final string)
	onError    func(err *shared.APIError)
	onAudio    func(event *ServerEvent)
	setStatus  func(Status)

	mu        sync.Mutex
	finalized bool
}

type DispatcherConfig struct {
	Logger     shared.LoggerAdapter
	Reconciler *Reconciler
	OnText     func(aggregate string)
	OnComplete func(final string)
	OnError    func(err *shared.APIError)
	OnAudio    func(event *ServerEvent)
	SetStatus  func(Status)
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Reconciler == nil {
		cfg.Reconciler = NewReconciler(false)
	}
	return &Dispatcher{
		logger:     cfg.Logger,
		reconciler: cfg.Reconciler,
		onText:     cfg.OnText,
		onComplete: cfg.OnComplete,
		onError:    cfg.OnError,
		onAudio:    cfg.OnAudio,
		setStatus:  cfg.SetStatus,
	}, nil
}

// HandleMessage parses one single-line JSON event and dispatches it.
func (d *Dispatcher) HandleMessage(data []byte) {
	event, err := ParseServerEvent(data)
	if err != nil {
		d.logger.Warn("discarding unparsable event", zap.Error(err))
		return
	}
	d.Dispatch(event)
}

func (d *Dispatcher) Dispatch(event *ServerEvent) {
	switch event.Type {
	case ServerEventTypeTranscriptionDelta:
		d.handleDelta(event)
	case ServerEventTypeTranscriptionCompleted:
		d.handleCompleted(event)
	case ServerEventTypeResponseCompleted, ServerEventTypeResponseFinished:
		d.Finalize(d.reconciler.Text())
	case ServerEventTypeResponseError:
		d.handleError(event)
	default:
		for _, prefix := range audioEventPrefixes {
			if strings.HasPrefix(string(event.Type), prefix) {
				if d.onAudio != nil {
					d.onAudio(event)
				}
				return
			}
		}
		d.logger.Debug("ignoring unknown event type", zap.String("type", string(event.Type)))
	}
}

func (d *Dispatcher) handleDelta(event *ServerEvent) {
	delta := ExtractText(event.Raw["delta"])
	if delta == "" {
		delta = ExtractText(event.Raw)
	}
	if delta == "" {
		return
	}
	aggregate := d.reconciler.Append(delta)
	if d.setStatus != nil {
		d.setStatus(StatusProcessing)
	}
	if d.onText != nil {
		d.onText(aggregate)
	}
}

func (d *Dispatcher) handleCompleted(event *ServerEvent) {
	final := ExtractText(event.Raw["transcription"])
	if final == "" {
		final = ExtractText(event.Raw["transcript"])
	}
	if final == "" {
		final = d.reconciler.Text()
	}
	d.Finalize(final)
}

// handleError surfaces a provider protocol error without finalizing; the
// session stays open so the caller may retry.
func (d *Dispatcher) handleError(event *ServerEvent) {
	apiErr := &shared.APIError{Status: 500, Message: "Realtime provider error"}
	if errObj, ok := event.Raw["error"].(map[string]any); ok {
		if msg := ExtractText(errObj["message"]); msg != "" {
			apiErr.Message = msg
		}
		if code, ok := errObj["code"].(string); ok {
			apiErr.Code = code
		}
		if status, ok := asInt(errObj["status"]); ok {
			apiErr.Status = status
		}
	} else if msg := ExtractText(event.Raw["message"]); msg != "" {
		apiErr.Message = msg
	}
	d.logger.Error("provider error event", apiErr,
		zap.Int("status", apiErr.Status),
		zap.String("code", apiErr.Code),
	)
	if d.setStatus != nil {
		d.setStatus(StatusError)
	}
	if d.onError != nil {
		d.onError(apiErr)
	}
}

// Finalize completes the session with the given text exactly once.
func (d *Dispatcher) Finalize(final string) {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return
	}
	d.finalized = true
	d.mu.Unlock()

	if d.setStatus != nil {
		d.setStatus(StatusCompleted)
	}
	if d.onComplete != nil {
		d.onComplete(final)
	}
}

// Finalized reports whether the session already completed.
func (d *Dispatcher) Finalized() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized
}

// HasText reports whether any transcript text accumulated so far.
func (d *Dispatcher) HasText() bool {
	return d.reconciler.Text() != ""
}

// Text returns the current transcript aggregate.
func (d *Dispatcher) Text() string {
	return d.reconciler.Text()
}

// ExtractText harvests transcript text from any of the historically used
// provider payload shapes: a bare string, {text}, {text: []}, nested
// {transcript} / {items} / {alternatives}. Specific fields win; a recursive
// harvest over the object graph is the last resort, bounded by a visited
// set.
func ExtractText(v any) string {
	return extractText(v, map[uintptr]struct{}{})
}

func extractText(v any, visited map[uintptr]struct{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		if !markVisited(t, visited) {
			return ""
		}
		var parts []string
		for _, item := range t {
			if s := extractText(item, visited); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "")
	case map[string]any:
		if !markVisited(t, visited) {
			return ""
		}
		for _, key := range []string{"text", "transcript", "transcription", "value", "delta"} {
			if s := extractText(t[key], visited); s != "" {
				return s
			}
		}
		for _, key := range []string{"items", "alternatives", "segments"} {
			if s := extractText(t[key], visited); s != "" {
				return s
			}
		}
		// Generic harvest: first non-empty text anywhere in the graph,
		// containers before loose string leaves, deterministic key order.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch t[k].(type) {
			case map[string]any, []any:
				if s := extractText(t[k], visited); s != "" {
					return s
				}
			}
		}
		for _, k := range keys {
			if nonTextKeys[k] {
				continue
			}
			if s, ok := t[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// nonTextKeys are identifier and envelope fields the generic harvest must
// never mistake for transcript text.
var nonTextKeys = map[string]bool{
	"type": true, "event_id": true, "item_id": true, "id": true,
	"response_id": true, "previous_item_id": true, "code": true,
	"object": true, "status": true, "audio": true,
}

func markVisited(v any, visited map[uintptr]struct{}) bool {
	ptr := reflect.ValueOf(v).Pointer()
	if _, seen := visited[ptr]; seen {
		return false
	}
	visited[ptr] = struct{}{}
	return true
}

// Outgoing client events. Every message carries a fresh nanoid event id.

func newClientEvent(t EventType, fields map[string]any) ([]byte, error) {
	id, err := nanoid.New()
	if err != nil {
		return nil, err
	}
	msg := map[string]any{
		"event_id": id,
		"type":     t,
	}
	for k, v := range fields {
		msg[k] = v
	}
	return sonic.Marshal(msg)
}

func NewInputAudioBufferAppend(chunk []byte) ([]byte, error) {
	return newClientEvent(ClientEventTypeInputAudioBufferAppend, map[string]any{
		"audio": base64.StdEncoding.EncodeToString(chunk),
	})
}

func NewInputAudioBufferCommit() ([]byte, error) {
	return newClientEvent(ClientEventTypeInputAudioBufferCommit, nil)
}

// NewResponseCreate requests a response with the output modalities implied
// by the resolved config.
func NewResponseCreate(cfg *SessionConfig) ([]byte, error) {
	var modalities []string
	if cfg.TextOutput {
		modalities = append(modalities, "text")
	}
	if cfg.AudioOutput {
		modalities = append(modalities, "audio")
	}
	return newClientEvent(ClientEventTypeResponseCreate, map[string]any{
		"response": map[string]any{
			"output_modalities": modalities,
		},
	})
}

// Numeric coercion helpers for loosely typed JSON payloads.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
