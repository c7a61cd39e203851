package realtime

import (
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestResolveTypeDerivation(t *testing.T) {
	tests := []struct {
		name         string
		session      *SessionOptions
		overrides    *SessionOptions
		expectedType SessionType
		expectedS2S  bool
	}{
		{
			name:         "No layers defaults to transcription",
			expectedType: SessionTypeTranscription,
		},
		{
			name:         "Explicit caller type wins",
			session:      &SessionOptions{Type: "transcription"},
			overrides:    &SessionOptions{Type: "realtime"},
			expectedType: SessionTypeRealtime,
		},
		{
			name:         "Mode speech_to_text derives transcription",
			overrides:    &SessionOptions{Mode: "speech_to_text"},
			expectedType: SessionTypeTranscription,
		},
		{
			name:         "Mode transcription derives transcription",
			overrides:    &SessionOptions{Mode: "transcription"},
			expectedType: SessionTypeTranscription,
		},
		{
			name:         "Mode speech_to_speech forces realtime plus speech-to-speech",
			overrides:    &SessionOptions{Mode: "speech_to_speech"},
			expectedType: SessionTypeRealtime,
			expectedS2S:  true,
		},
		{
			name:         "Unknown mode derives realtime",
			overrides:    &SessionOptions{Mode: "conversation"},
			expectedType: SessionTypeRealtime,
		},
		{
			name:         "Session default type used when caller is silent",
			session:      &SessionOptions{Type: "realtime"},
			expectedType: SessionTypeRealtime,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Resolve(ServiceDefaults{Model: "gpt-realtime-mini"}, tt.session, tt.overrides)
			assert.Equal(t, tt.expectedType, cfg.Type)
			assert.Equal(t, tt.expectedS2S, cfg.SpeechToSpeech)
		})
	}
}

// A transcription session never emits audio or advertises speech-to-speech,
// whatever the input layers claim.
func TestResolveTranscriptionRoundTrip(t *testing.T) {
	cfg := Resolve(
		ServiceDefaults{Model: "gpt-realtime-mini", AudioOutput: true},
		&SessionOptions{SpeechToSpeech: boolPtr(true), AudioOutput: boolPtr(true)},
		&SessionOptions{Type: "transcription", AudioOutput: boolPtr(true)},
	)
	assert.Equal(t, SessionTypeTranscription, cfg.Type)
	assert.True(t, cfg.TextOutput)
	assert.False(t, cfg.AudioOutput)
	assert.False(t, cfg.SpeechToSpeech)
	assert.Nil(t, cfg.Audio.Output)

	data, err := sonic.Marshal(&cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "speech_to_speech")
}

func TestResolveIncludeSanitization(t *testing.T) {
	cfg := Resolve(
		ServiceDefaults{Model: "m", Include: []string{"item.input_audio_transcription.logprobs"}},
		&SessionOptions{Include: []string{"text", " item.input_audio_transcription.logprobs ", "audio"}},
		&SessionOptions{Include: []string{"audio", "item.usage"}},
	)
	assert.Equal(t, []string{"item.input_audio_transcription.logprobs", "item.usage"}, cfg.Include)
}

func TestResolveAudioOutput(t *testing.T) {
	tests := []struct {
		name      string
		service   ServiceDefaults
		session   *SessionOptions
		overrides *SessionOptions
		expected  bool
	}{
		{
			name:      "Realtime without any request stays silent",
			overrides: &SessionOptions{Type: "realtime"},
			expected:  false,
		},
		{
			name:      "Explicit audioOutput override",
			overrides: &SessionOptions{Type: "realtime", AudioOutput: boolPtr(true)},
			expected:  true,
		},
		{
			name: "audio.output.enabled requests audio",
			overrides: &SessionOptions{
				Type:  "realtime",
				Audio: &AudioOptions{Output: &AudioOutputOptions{Enabled: boolPtr(true)}},
			},
			expected: true,
		},
		{
			name:      "Speech-to-speech implies audio output",
			overrides: &SessionOptions{Type: "realtime", SpeechToSpeech: boolPtr(true)},
			expected:  true,
		},
		{
			name:      "Service defaults request audio",
			service:   ServiceDefaults{AudioOutput: true},
			overrides: &SessionOptions{Type: "realtime"},
			expected:  true,
		},
		{
			name: "Explicit disabled output wins over service default",
			service: ServiceDefaults{AudioOutput: true},
			overrides: &SessionOptions{
				Type:  "realtime",
				Audio: &AudioOptions{Output: &AudioOutputOptions{Enabled: boolPtr(false)}},
			},
			expected: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.service.Model = "m"
			cfg := Resolve(tt.service, tt.session, tt.overrides)
			assert.Equal(t, tt.expected, cfg.AudioOutput)
		})
	}
}

// Overriding one scalar of a nested block must not erase its siblings.
func TestResolveNestedMergeKeepsSiblings(t *testing.T) {
	session := &SessionOptions{
		Type:  "realtime",
		Voice: "ash",
		Audio: &AudioOptions{
			Input: &AudioInputOptions{
				TurnDetection: map[string]any{
					"type":      "semantic_vad",
					"eagerness": "low",
				},
			},
			Output: &AudioOutputOptions{
				Enabled: boolPtr(true),
				Voices:  []string{"ash", "coral"},
			},
		},
	}
	overrides := &SessionOptions{
		Voice: "coral",
		Audio: &AudioOptions{
			Input: &AudioInputOptions{
				TurnDetection: map[string]any{"eagerness": "high"},
			},
		},
	}

	cfg := Resolve(ServiceDefaults{Model: "m"}, session, overrides)
	assert.Equal(t, map[string]any{
		"type":      "semantic_vad",
		"eagerness": "high",
	}, cfg.Audio.Input.TurnDetection)
	require.NotNil(t, cfg.Audio.Output)
	assert.Equal(t, "coral", cfg.Audio.Output.Voice)
	assert.Equal(t, []string{"ash", "coral"}, cfg.Audio.Output.Voices)
}

func TestResolveNoiseReductionShapes(t *testing.T) {
	t.Run("String promotes to typed object", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, &SessionOptions{
			Audio: &AudioOptions{Input: &AudioInputOptions{NoiseReduction: "near_field"}},
		}, nil)
		assert.Equal(t, map[string]any{"type": "near_field"}, cfg.Audio.Input.NoiseReduction)
	})
	t.Run("Object merges with caller winning and snake_cased keys", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, &SessionOptions{
			Audio: &AudioOptions{Input: &AudioInputOptions{
				NoiseReduction: map[string]any{"type": "near_field", "strength": 1},
			}},
		}, &SessionOptions{
			Audio: &AudioOptions{Input: &AudioInputOptions{
				NoiseReduction: map[string]any{"Type": "far_field"},
			}},
		})
		assert.Equal(t, map[string]any{"type": "far_field", "strength": 1}, cfg.Audio.Input.NoiseReduction)
	})
}

func TestResolveFormatSources(t *testing.T) {
	t.Run("Nested format wins over legacy top-level", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, &SessionOptions{
			InputAudioFormat: map[string]any{"encoding": "g711_ulaw", "rate": 8000},
		}, &SessionOptions{
			Audio: &AudioOptions{Input: &AudioInputOptions{
				Format: map[string]any{"encoding": "pcm16", "sampleRate": 16000},
			}},
		})
		assert.Equal(t, AudioFormat{Codec: "pcm16", SampleRate: 16000, Channels: 1}, cfg.Audio.Input.Format)
	})
	t.Run("Legacy format used when no nested source", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, &SessionOptions{
			InputAudioFormat: map[string]any{"encoding": "g711_ulaw", "rate": 8000},
		}, nil)
		assert.Equal(t, AudioFormat{Codec: "g711_ulaw", SampleRate: 8000, Channels: 1}, cfg.Audio.Input.Format)
	})
	t.Run("Absent format yields exact defaults", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, nil, nil)
		assert.Equal(t, AudioFormat{Codec: "pcm16", SampleRate: 24000, Channels: 1}, cfg.Audio.Input.Format)
	})
}

// transcription defaults and speech-to-speech are mutually exclusive.
func TestResolveTranscriptionDefaultsExclusion(t *testing.T) {
	session := &SessionOptions{
		Type: "realtime",
		Audio: &AudioOptions{Input: &AudioInputOptions{
			Transcription: map[string]any{"model": "whisper-1"},
		}},
	}
	t.Run("Kept without speech-to-speech", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, session, nil)
		assert.Equal(t, map[string]any{"model": "whisper-1"}, cfg.Audio.Input.Transcription)
	})
	t.Run("Dropped with speech-to-speech", func(t *testing.T) {
		cfg := Resolve(ServiceDefaults{Model: "m"}, session, &SessionOptions{SpeechToSpeech: boolPtr(true)})
		assert.True(t, cfg.SpeechToSpeech)
		assert.Nil(t, cfg.Audio.Input.Transcription)
	})
}

func TestResolveScenarioHappyPathTranscription(t *testing.T) {
	cfg := Resolve(ServiceDefaults{}, nil, &SessionOptions{
		Model: "gpt-realtime-mini",
		Audio: &AudioOptions{Input: &AudioInputOptions{
			Format: map[string]any{"encoding": "pcm16"},
		}},
	})
	assert.Equal(t, SessionTypeTranscription, cfg.Type)
	assert.Equal(t, "gpt-realtime-mini", cfg.Model)
	assert.True(t, cfg.TextOutput)
	assert.False(t, cfg.AudioOutput)
	assert.Equal(t, "pcm16", cfg.Audio.Input.Format.Codec)
}

func TestMergeOptions(t *testing.T) {
	t.Run("Nil layers pass through", func(t *testing.T) {
		session := &SessionOptions{Model: "m"}
		assert.Same(t, session, MergeOptions(session, nil))
		assert.Same(t, session, MergeOptions(nil, session))
	})
	t.Run("Caller mode outranks session type", func(t *testing.T) {
		merged := MergeOptions(
			&SessionOptions{Type: "realtime"},
			&SessionOptions{Mode: "speech_to_text"},
		)
		assert.Empty(t, merged.Type)
		assert.Equal(t, "speech_to_text", merged.Mode)
	})
	t.Run("Session type survives when caller is silent", func(t *testing.T) {
		merged := MergeOptions(&SessionOptions{Type: "realtime"}, &SessionOptions{})
		assert.Equal(t, "realtime", merged.Type)
	})
	t.Run("Matches layered resolution", func(t *testing.T) {
		service := ServiceDefaults{Model: "svc-model"}
		session := &SessionOptions{
			Model:   "session-model",
			Include: []string{"item.usage"},
			Audio: &AudioOptions{Input: &AudioInputOptions{
				Format:        map[string]any{"rate": 16000},
				TurnDetection: map[string]any{"type": "server_vad", "threshold": 0.4},
			}},
		}
		overrides := &SessionOptions{
			Mode: "speech_to_text",
			Audio: &AudioOptions{Input: &AudioInputOptions{
				TurnDetection: map[string]any{"threshold": 0.7},
			}},
		}

		merged := MergeOptions(session, overrides)
		assert.Equal(t,
			Resolve(service, session, overrides),
			Resolve(service, nil, merged))
		assert.Equal(t, "session-model", merged.Model)
	})
}
