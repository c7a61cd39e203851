package gateway

import (
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"

	rt "github.com/voxbridge/realtime"
)

// providerSessionParams maps a resolved SessionConfig onto the provider
// SDK's session-create parameters for the upstream sessions call. Only the
// fields the canonical config actually carries are mapped; everything else
// keeps the provider default.
func providerSessionParams(cfg *rt.SessionConfig) *realtime.RealtimeSessionCreateRequestParam {
	params := &realtime.RealtimeSessionCreateRequestParam{
		Model: cfg.Model,
	}
	if cfg.Instructions != "" {
		params.Instructions = param.NewOpt(cfg.Instructions)
	}

	params.Audio.Input.Format = audioFormatParam(cfg.Audio.Input.Format)

	if nr := cfg.Audio.Input.NoiseReduction; nr != nil {
		if mode, ok := nr["type"].(string); ok && mode != "" {
			params.Audio.Input.NoiseReduction = realtime.RealtimeAudioConfigInputNoiseReductionParam{
				Type: realtime.NoiseReductionType(mode),
			}
		}
	}

	if tr := cfg.Audio.Input.Transcription; tr != nil {
		p := realtime.AudioTranscriptionParam{}
		if v, ok := tr["language"].(string); ok && v != "" {
			p.Language = param.NewOpt(v)
		}
		if v, ok := tr["prompt"].(string); ok && v != "" {
			p.Prompt = param.NewOpt(v)
		}
		if v, ok := tr["model"].(string); ok && v != "" {
			p.Model = realtime.AudioTranscriptionModel(v)
		}
		params.Audio.Input.Transcription = p
	}

	if td := cfg.Audio.Input.TurnDetection; td != nil {
		switch td["type"] {
		case "semantic_vad":
			vad := &realtime.RealtimeAudioInputTurnDetectionSemanticVadParam{
				CreateResponse:    param.NewOpt(true),
				InterruptResponse: param.NewOpt(true),
			}
			if v, ok := td["eagerness"].(string); ok {
				vad.Eagerness = v
			}
			params.Audio.Input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
				OfSemanticVad: vad,
			}
		case "server_vad", nil:
			params.Audio.Input.TurnDetection = realtime.RealtimeAudioInputTurnDetectionUnionParam{
				OfServerVad: &realtime.RealtimeAudioInputTurnDetectionServerVadParam{
					CreateResponse:    param.NewOpt(true),
					InterruptResponse: param.NewOpt(true),
				},
			}
		}
	}

	if cfg.AudioOutput && cfg.Audio.Output != nil {
		out := cfg.Audio.Output
		params.Audio.Output.Voice = realtime.RealtimeAudioConfigOutputVoice(out.Voice)
		if out.Speed != 0 {
			params.Audio.Output.Speed = param.NewOpt(out.Speed)
		}
		if out.Format != nil {
			params.Audio.Output.Format = audioFormatParam(*out.Format)
		}
	}
	return params
}

func audioFormatParam(format rt.AudioFormat) realtime.RealtimeAudioFormatsUnionParam {
	// Only PCM rides through to the provider format union; other codecs
	// keep the provider default.
	if format.Codec != rt.DefaultCodec {
		return realtime.RealtimeAudioFormatsUnionParam{}
	}
	return realtime.RealtimeAudioFormatsUnionParam{
		OfAudioPCM: &realtime.RealtimeAudioFormatsAudioPCMParam{
			Rate: int64(format.SampleRate),
			Type: "audio/pcm",
		},
	}
}
