package realtime

import (
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
)

// Canonical audio format defaults expected by the provider.
const (
	DefaultCodec      = "pcm16"
	DefaultSampleRate = 24000
	DefaultChannels   = 1
)

// AudioFormat is the canonical audio format record. Extra carries
// provider-specific keys that rode along on an object-shaped encoding,
// already snake_cased.
type AudioFormat struct {
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`

	Extra map[string]any `json:"-"`
}

func (f AudioFormat) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"codec":       f.Codec,
		"sample_rate": f.SampleRate,
		"channels":    f.Channels,
	}
	for k, v := range f.Extra {
		if _, reserved := out[k]; !reserved {
			out[k] = v
		}
	}
	return sonic.Marshal(out)
}

// NormalizeFormat turns a heterogeneous format descriptor into a canonical
// AudioFormat. `encoding` may be a codec string, an object with a `codec`
// field, or absent; `rate`/`sampleRate`/`sample_rate` and `channels` pass
// through when numeric. Always returns a value.
func NormalizeFormat(raw map[string]any) AudioFormat {
	out := AudioFormat{
		Codec:      DefaultCodec,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
	}
	if raw == nil {
		return out
	}

	switch enc := raw["encoding"].(type) {
	case string:
		if enc != "" {
			out.Codec = enc
		}
	case map[string]any:
		for k, v := range enc {
			if k == "codec" {
				if s, ok := v.(string); ok && s != "" {
					out.Codec = s
				}
				continue
			}
			if out.Extra == nil {
				out.Extra = map[string]any{}
			}
			out.Extra[snakeCase(k)] = v
		}
	}
	if s, ok := raw["codec"].(string); ok && s != "" {
		out.Codec = s
	}

	for _, key := range []string{"sampleRate", "sample_rate", "rate"} {
		if n, ok := asInt(raw[key]); ok {
			out.SampleRate = n
			break
		}
	}
	if n, ok := asInt(raw["channels"]); ok {
		out.Channels = n
	}
	return out
}

// snakeCase converts camelCase keys to the provider's snake_case convention.
// Keys already in snake_case pass through unchanged.
func snakeCase(key string) string {
	if !strings.ContainsFunc(key, unicode.IsUpper) {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i, r := range key {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
