package realtime

import "strings"

type SessionType string

const (
	SessionTypeTranscription SessionType = "transcription"
	SessionTypeRealtime      SessionType = "realtime"
)

// Reserved include tokens. Output modalities travel through text_output /
// audio_output, never through include.
const (
	includeTokenText  = "text"
	includeTokenAudio = "audio"
)

// SessionConfig is the canonical, provider-ready session configuration.
// Immutable once handed to a negotiator; created fresh per call by Resolve.
type SessionConfig struct {
	Type           SessionType `json:"type"`
	Model          string      `json:"model"`
	Instructions   string      `json:"instructions,omitempty"`
	SpeechToSpeech bool        `json:"speech_to_speech,omitempty"`
	TextOutput     bool        `json:"text_output"`
	AudioOutput    bool        `json:"audio_output"`
	Include        []string    `json:"include,omitempty"`
	Audio          AudioConfig `json:"audio"`
}

type AudioConfig struct {
	Input  AudioInputConfig   `json:"input"`
	Output *AudioOutputConfig `json:"output,omitempty"`
}

type AudioInputConfig struct {
	Format         AudioFormat    `json:"format"`
	NoiseReduction map[string]any `json:"noise_reduction,omitempty"`
	TurnDetection  map[string]any `json:"turn_detection,omitempty"`
	Transcription  map[string]any `json:"transcription,omitempty"`
}

type AudioOutputConfig struct {
	Voice  string       `json:"voice,omitempty"`
	Voices []string     `json:"voices,omitempty"`
	Speed  float64      `json:"speed,omitempty"`
	Format *AudioFormat `json:"format,omitempty"`
}

// ServiceDefaults is the service-level configuration layer, the lowest
// precedence of the three.
type ServiceDefaults struct {
	Model        string   `json:"model" yaml:"model"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions"`
	Voice        string   `json:"voice,omitempty" yaml:"voice"`
	Include      []string `json:"include,omitempty" yaml:"include"`
	AudioOutput  bool     `json:"audioOutput,omitempty" yaml:"audioOutput"`
}

// SessionOptions is the shape shared by the session-default block and the
// per-call caller overrides. Pointer scalars distinguish "unset" from an
// explicit false.
type SessionOptions struct {
	Type             string         `json:"type,omitempty" yaml:"type"`
	Mode             string         `json:"mode,omitempty" yaml:"mode"`
	Model            string         `json:"model,omitempty" yaml:"model"`
	Instructions     string         `json:"instructions,omitempty" yaml:"instructions"`
	Voice            string         `json:"voice,omitempty" yaml:"voice"`
	SpeechToSpeech   *bool          `json:"speechToSpeech,omitempty" yaml:"speechToSpeech"`
	TextOutput       *bool          `json:"textOutput,omitempty" yaml:"textOutput"`
	AudioOutput      *bool          `json:"audioOutput,omitempty" yaml:"audioOutput"`
	Include          []string       `json:"include,omitempty" yaml:"include"`
	Audio            *AudioOptions  `json:"audio,omitempty" yaml:"audio"`
	InputAudioFormat map[string]any `json:"inputAudioFormat,omitempty" yaml:"inputAudioFormat"` // legacy top-level format
}

type AudioOptions struct {
	Input  *AudioInputOptions  `json:"input,omitempty" yaml:"input"`
	Output *AudioOutputOptions `json:"output,omitempty" yaml:"output"`
}

type AudioInputOptions struct {
	Format         map[string]any `json:"format,omitempty" yaml:"format"`
	NoiseReduction any            `json:"noiseReduction,omitempty" yaml:"noiseReduction"` // string or object
	TurnDetection  map[string]any `json:"turnDetection,omitempty" yaml:"turnDetection"`
	Transcription  map[string]any `json:"transcription,omitempty" yaml:"transcription"`
}

type AudioOutputOptions struct {
	Enabled *bool          `json:"enabled,omitempty" yaml:"enabled"`
	Voice   string         `json:"voice,omitempty" yaml:"voice"`
	Voices  []string       `json:"voices,omitempty" yaml:"voices"`
	Speed   float64        `json:"speed,omitempty" yaml:"speed"`
	Format  map[string]any `json:"format,omitempty" yaml:"format"`
}

// Resolve merges the three configuration layers into one provider-ready
// SessionConfig. Precedence is caller > session-default > service-default,
// scalar overrides win and nested blocks merge key by key. Resolution never
// fails; required-field validation happens at the negotiation boundary.
func Resolve(service ServiceDefaults, session, overrides *SessionOptions) SessionConfig {
	if session == nil {
		session = &SessionOptions{}
	}
	if overrides == nil {
		overrides = &SessionOptions{}
	}

	cfg := SessionConfig{
		Model:        firstNonEmpty(overrides.Model, session.Model, service.Model),
		Instructions: firstNonEmpty(overrides.Instructions, session.Instructions, service.Instructions),
	}

	cfg.Type, cfg.SpeechToSpeech = resolveType(service, session, overrides)
	cfg.TextOutput = resolveTextOutput(cfg.Type, session, overrides)
	cfg.AudioOutput = resolveAudioOutput(cfg.Type, cfg.SpeechToSpeech, service, session, overrides)
	if !cfg.AudioOutput {
		// A transcription-mode session must never advertise speech-to-speech.
		cfg.SpeechToSpeech = false
	}

	cfg.Include = sanitizeInclude(service.Include, session.Include, overrides.Include)

	sessionIn := audioInput(session)
	overrideIn := audioInput(overrides)

	cfg.Audio.Input.Format = NormalizeFormat(resolveFormatSource(session, overrides))
	cfg.Audio.Input.TurnDetection = mergeWireMap(
		mapOrNil(sessionIn.TurnDetection), mapOrNil(overrideIn.TurnDetection))
	cfg.Audio.Input.NoiseReduction = mergeWireMap(
		noiseReductionMap(sessionIn.NoiseReduction), noiseReductionMap(overrideIn.NoiseReduction))
	if !cfg.SpeechToSpeech {
		cfg.Audio.Input.Transcription = mergeWireMap(
			mapOrNil(sessionIn.Transcription), mapOrNil(overrideIn.Transcription))
	}

	if cfg.AudioOutput {
		cfg.Audio.Output = resolveAudioOutputConfig(service, session, overrides)
	}
	return cfg
}

// MergeOptions collapses the session-default and caller-override layers
// into one options value with the same precedence Resolve applies:
// override scalars win, nested maps merge key by key, and an override
// mode outranks a lower-layer type. For transports that ship options to
// the bootstrap boundary instead of a resolved config.
func MergeOptions(base, override *SessionOptions) *SessionOptions {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	out := &SessionOptions{
		Type:             override.Type,
		Mode:             override.Mode,
		Model:            firstNonEmpty(override.Model, base.Model),
		Instructions:     firstNonEmpty(override.Instructions, base.Instructions),
		Voice:            firstNonEmpty(override.Voice, base.Voice),
		SpeechToSpeech:   coalesceBool(override.SpeechToSpeech, base.SpeechToSpeech),
		TextOutput:       coalesceBool(override.TextOutput, base.TextOutput),
		AudioOutput:      coalesceBool(override.AudioOutput, base.AudioOutput),
		Include:          append(append([]string(nil), base.Include...), override.Include...),
		Audio:            mergeAudioOptions(base.Audio, override.Audio),
		InputAudioFormat: mergeWireRaw(base.InputAudioFormat, override.InputAudioFormat),
	}
	if out.Type == "" && out.Mode == "" {
		out.Type = base.Type
	}
	return out
}

func mergeAudioOptions(base, override *AudioOptions) *AudioOptions {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	return &AudioOptions{
		Input:  mergeAudioInputOptions(base.Input, override.Input),
		Output: mergeAudioOutputOptions(base.Output, override.Output),
	}
}

func mergeAudioInputOptions(base, override *AudioInputOptions) *AudioInputOptions {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	out := &AudioInputOptions{
		Format:         mergeWireRaw(base.Format, override.Format),
		TurnDetection:  mergeWireRaw(base.TurnDetection, override.TurnDetection),
		Transcription:  mergeWireRaw(base.Transcription, override.Transcription),
		NoiseReduction: base.NoiseReduction,
	}
	if override.NoiseReduction != nil {
		out.NoiseReduction = override.NoiseReduction
	}
	return out
}

func mergeAudioOutputOptions(base, override *AudioOutputOptions) *AudioOutputOptions {
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}
	out := &AudioOutputOptions{
		Enabled: coalesceBool(override.Enabled, base.Enabled),
		Voice:   firstNonEmpty(override.Voice, base.Voice),
		Voices:  firstNonEmptySlice(override.Voices, base.Voices),
		Speed:   base.Speed,
		Format:  mergeWireRaw(base.Format, override.Format),
	}
	if override.Speed != 0 {
		out.Speed = override.Speed
	}
	return out
}

func coalesceBool(override, base *bool) *bool {
	if override != nil {
		return override
	}
	return base
}

// resolveType derives the session type and speech-to-speech flag. Explicit
// caller type wins; else a caller mode string; else session defaults; else
// transcription.
func resolveType(service ServiceDefaults, session, overrides *SessionOptions) (SessionType, bool) {
	s2s := boolValue(overrides.SpeechToSpeech, boolValue(session.SpeechToSpeech, false))

	if t := normalizeType(overrides.Type); t != "" {
		return t, s2s
	}
	if mode := strings.TrimSpace(overrides.Mode); mode != "" {
		switch mode {
		case "speech_to_text", "transcription":
			return SessionTypeTranscription, s2s
		case "speech_to_speech":
			return SessionTypeRealtime, true
		default:
			return SessionTypeRealtime, s2s
		}
	}
	if t := normalizeType(session.Type); t != "" {
		return t, s2s
	}
	return SessionTypeTranscription, s2s
}

func normalizeType(t string) SessionType {
	switch strings.TrimSpace(t) {
	case string(SessionTypeTranscription):
		return SessionTypeTranscription
	case string(SessionTypeRealtime):
		return SessionTypeRealtime
	}
	return ""
}

func resolveTextOutput(t SessionType, session, overrides *SessionOptions) bool {
	if t == SessionTypeTranscription {
		return true
	}
	return boolValue(overrides.TextOutput, boolValue(session.TextOutput, false))
}

func resolveAudioOutput(t SessionType, s2s bool, service ServiceDefaults, session, overrides *SessionOptions) bool {
	if t == SessionTypeTranscription {
		return false
	}
	if s2s {
		return true
	}
	if boolValue(overrides.AudioOutput, false) || boolValue(session.AudioOutput, false) {
		return true
	}
	if enabled := audioOutputEnabled(overrides); enabled != nil {
		return *enabled
	}
	if enabled := audioOutputEnabled(session); enabled != nil {
		return *enabled
	}
	return service.AudioOutput
}

func resolveAudioOutputConfig(service ServiceDefaults, session, overrides *SessionOptions) *AudioOutputConfig {
	base := audioOutputOptions(session)
	over := audioOutputOptions(overrides)

	out := &AudioOutputConfig{
		Voice:  firstNonEmpty(over.Voice, overrides.Voice, base.Voice, session.Voice, service.Voice),
		Voices: firstNonEmptySlice(over.Voices, base.Voices),
		Speed:  base.Speed,
	}
	if over.Speed != 0 {
		out.Speed = over.Speed
	}
	if src := mergeWireMap(mapOrNil(base.Format), mapOrNil(over.Format)); src != nil {
		f := NormalizeFormat(src)
		out.Format = &f
	}
	return out
}

// sanitizeInclude unions the include flags of all three layers in order,
// trimming whitespace, keeping first-seen order, and stripping the reserved
// modality tokens.
func sanitizeInclude(layers ...[]string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, layer := range layers {
		for _, raw := range layer {
			flag := strings.TrimSpace(raw)
			if flag == "" || flag == includeTokenText || flag == includeTokenAudio {
				continue
			}
			if _, dup := seen[flag]; dup {
				continue
			}
			seen[flag] = struct{}{}
			out = append(out, flag)
		}
	}
	return out
}

// resolveFormatSource picks the input-format descriptor: audio.input.format
// takes priority over the legacy top-level inputAudioFormat, caller layer
// merged over session layer in both cases.
func resolveFormatSource(session, overrides *SessionOptions) map[string]any {
	nested := mergeWireRaw(audioInput(session).Format, audioInput(overrides).Format)
	if nested != nil {
		return nested
	}
	return mergeWireRaw(session.InputAudioFormat, overrides.InputAudioFormat)
}

// mergeWireMap merges two config maps with override winning on conflicting
// leaf keys, snake_casing every key to the provider convention. Nested maps
// merge recursively rather than being replaced.
func mergeWireMap(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := map[string]any{}
	for k, v := range base {
		out[snakeCase(k)] = snakeCaseValue(v)
	}
	for k, v := range override {
		key := snakeCase(k)
		if sub, ok := v.(map[string]any); ok {
			if prev, ok := out[key].(map[string]any); ok {
				out[key] = mergeWireMap(prev, sub)
				continue
			}
		}
		out[key] = snakeCaseValue(v)
	}
	return out
}

// mergeWireRaw merges without key normalization, for descriptors that
// NormalizeFormat canonicalizes itself.
func mergeWireRaw(base, override map[string]any) map[string]any {
	if base == nil && override == nil {
		return nil
	}
	out := map[string]any{}
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func snakeCaseValue(v any) any {
	if sub, ok := v.(map[string]any); ok {
		return mergeWireMap(sub, nil)
	}
	return v
}

// noiseReductionMap accepts both historical noise-reduction shapes: a bare
// mode string becomes {"type": mode}, an object passes through.
func noiseReductionMap(v any) map[string]any {
	switch nr := v.(type) {
	case string:
		if nr == "" {
			return nil
		}
		return map[string]any{"type": nr}
	case map[string]any:
		return nr
	}
	return nil
}

func audioInput(opts *SessionOptions) AudioInputOptions {
	if opts.Audio != nil && opts.Audio.Input != nil {
		return *opts.Audio.Input
	}
	return AudioInputOptions{}
}

func audioOutputOptions(opts *SessionOptions) AudioOutputOptions {
	if opts.Audio != nil && opts.Audio.Output != nil {
		return *opts.Audio.Output
	}
	return AudioOutputOptions{}
}

func audioOutputEnabled(opts *SessionOptions) *bool {
	if opts.Audio != nil && opts.Audio.Output != nil {
		return opts.Audio.Output.Enabled
	}
	return nil
}

func boolValue(p *bool, fallback bool) bool {
	if p != nil {
		return *p
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptySlice(values ...[]string) []string {
	for _, v := range values {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}

func mapOrNil(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	return m
}
