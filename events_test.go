package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxbridge/realtime/shared"
)

func TestExtractText(t *testing.T) {
	tests := []struct {
		name     string
		payload  any
		expected string
	}{
		{"Bare string", "hello", "hello"},
		{"Text field", map[string]any{"text": "hello"}, "hello"},
		{"Text array", map[string]any{"text": []any{"hel", "lo"}}, "hello"},
		{"Transcript field", map[string]any{"transcript": "hello"}, "hello"},
		{
			"Items list",
			map[string]any{"items": []any{map[string]any{"text": "hello"}}},
			"hello",
		},
		{
			"Alternatives list",
			map[string]any{"alternatives": []any{map[string]any{"transcript": "hello"}}},
			"hello",
		},
		{
			"Specific field preferred over harvest",
			map[string]any{"note": "aside", "text": "hello"},
			"hello",
		},
		{
			"Generic harvest reaches nested leaves",
			map[string]any{"payload": map[string]any{"fragment": "hello"}},
			"hello",
		},
		{
			"Identifier keys never harvested",
			map[string]any{"type": "response.completed", "event_id": "evt_1"},
			"",
		},
		{"Nil payload", nil, ""},
		{"Number payload", 42, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractText(tt.payload))
		})
	}
}

func TestExtractTextCycleGuard(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	assert.Equal(t, "", ExtractText(cyclic))

	withText := map[string]any{"text": "hello"}
	withText["self"] = withText
	assert.Equal(t, "hello", ExtractText(withText))
}

type dispatcherProbe struct {
	texts    []string
	finals   []string
	errors   []*shared.APIError
	audio    []EventType
	statuses []Status
	dispatch *Dispatcher
}

func newDispatcherProbe(t *testing.T, rewrite bool) *dispatcherProbe {
	t.Helper()
	p := &dispatcherProbe{}
	d, err := NewDispatcher(DispatcherConfig{
		Logger:     shared.NewNopLogger(),
		Reconciler: NewReconciler(rewrite),
		OnText:     func(s string) { p.texts = append(p.texts, s) },
		OnComplete: func(s string) { p.finals = append(p.finals, s) },
		OnError:    func(e *shared.APIError) { p.errors = append(p.errors, e) },
		OnAudio:    func(e *ServerEvent) { p.audio = append(p.audio, e.Type) },
		SetStatus:  func(s Status) { p.statuses = append(p.statuses, s) },
	})
	require.NoError(t, err)
	p.dispatch = d
	return p
}

func TestDispatcherDeltaFlow(t *testing.T) {
	p := newDispatcherProbe(t, false)

	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.delta","event_id":"e1","delta":"hello"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.delta","event_id":"e2","delta":{"text":" world"}}`))

	assert.Equal(t, []string{"hello", "hello world"}, p.texts)
	assert.Equal(t, []Status{StatusProcessing, StatusProcessing}, p.statuses)
	assert.False(t, p.dispatch.Finalized())
}

func TestDispatcherCompletedPrefersExplicitTranscription(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.delta","event_id":"e1","delta":"partial tex"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","event_id":"e2","transcription":"full text"}`))

	assert.Equal(t, []string{"full text"}, p.finals)
	assert.True(t, p.dispatch.Finalized())
}

func TestDispatcherCompletedFallsBackToAccumulated(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.delta","event_id":"e1","delta":"accumulated"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"response.completed","event_id":"e2","response":{}}`))

	assert.Equal(t, []string{"accumulated"}, p.finals)
}

func TestDispatcherFinalizeIsIdempotent(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.delta","event_id":"e1","delta":"text"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"response.completed","event_id":"e2"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"response.finished","event_id":"e3"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"conversation.item.input_audio_transcription.completed","event_id":"e4","transcription":"late"}`))

	assert.Equal(t, []string{"text"}, p.finals)
}

// A provider error surfaces but never finalizes; the session stays open
// for a retry.
func TestDispatcherErrorIsNonFatal(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"response.error","event_id":"e1","error":{"message":"rate limited","code":"rate_limit","status":429}}`))

	require.Len(t, p.errors, 1)
	assert.Equal(t, 429, p.errors[0].Status)
	assert.Equal(t, "rate limited", p.errors[0].Message)
	assert.Equal(t, "rate_limit", p.errors[0].Code)
	assert.Contains(t, p.statuses, StatusError)
	assert.False(t, p.dispatch.Finalized())
	assert.Empty(t, p.finals)
}

func TestDispatcherAudioEventsForwarded(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"response.output_audio.delta","event_id":"e1","delta":"b64"}`))
	p.dispatch.HandleMessage([]byte(`{"type":"response.speech.started","event_id":"e2"}`))

	assert.Equal(t, []EventType{"response.output_audio.delta", "response.speech.started"}, p.audio)
	assert.Empty(t, p.texts)
}

func TestDispatcherIgnoresUnknownEvents(t *testing.T) {
	p := newDispatcherProbe(t, false)
	p.dispatch.HandleMessage([]byte(`{"type":"rate_limits.updated","event_id":"e1","rate_limits":[]}`))
	p.dispatch.HandleMessage([]byte(`not json at all`))

	assert.Empty(t, p.texts)
	assert.Empty(t, p.finals)
	assert.Empty(t, p.errors)
}

func TestNewResponseCreateModalities(t *testing.T) {
	cfg := &SessionConfig{TextOutput: true, AudioOutput: true}
	data, err := NewResponseCreate(cfg)
	require.NoError(t, err)
	event, err := ParseServerEvent(data)
	require.NoError(t, err)
	assert.Equal(t, ClientEventTypeResponseCreate, event.Type)
	assert.NotEmpty(t, event.EventId)
	response, ok := event.Raw["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"text", "audio"}, response["output_modalities"])
}
