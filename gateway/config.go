package gateway

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	rt "github.com/voxbridge/realtime"
	"github.com/voxbridge/realtime/shared"
)

// AppConfig is the application configuration file. The engine only reads
// the speech.stt.realtime block; everything else belongs to surrounding
// product surfaces.
type AppConfig struct {
	Speech struct {
		STT struct {
			Realtime *RealtimeConfig `yaml:"realtime"`
		} `yaml:"stt"`
	} `yaml:"speech"`
}

// RealtimeConfig is the service layer of the session configuration plus
// the credentials the server holds on the client's behalf. APIKey accepts
// a `${VAR_NAME}` indirection resolved against the process environment.
type RealtimeConfig struct {
	Model        string             `yaml:"model"`
	Instructions string             `yaml:"instructions"`
	Voice        string             `yaml:"voice"`
	Include      []string           `yaml:"include"`
	AudioOutput  bool               `yaml:"audioOutput"`
	APIKey       string             `yaml:"apiKey"`
	BaseURL      string             `yaml:"baseURL"`
	Session      *rt.SessionOptions `yaml:"session"`
}

func (c *RealtimeConfig) serviceDefaults() rt.ServiceDefaults {
	return rt.ServiceDefaults{
		Model:        c.Model,
		Instructions: c.Instructions,
		Voice:        c.Voice,
		Include:      c.Include,
		AudioOutput:  c.AudioOutput,
	}
}

// resolvedKey expands the configured API key reference.
func (c *RealtimeConfig) resolvedKey() string {
	return shared.ExpandEnvRef(c.APIKey)
}

func (c *RealtimeConfig) baseURL() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return "https://api.openai.com/v1"
}

// LoadAppConfig reads the YAML application configuration from disk.
func LoadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading app config: %w", err)
	}
	cfg := new(AppConfig)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing app config: %w", err)
	}
	return cfg, nil
}

// realtimeConfig resolves the realtime block, failing with a 404-class
// error when the app configuration lacks it.
func (a *AppConfig) realtimeConfig() (*RealtimeConfig, error) {
	if a == nil || a.Speech.STT.Realtime == nil {
		return nil, shared.NewAPIError(404, "No realtime configuration", "")
	}
	return a.Speech.STT.Realtime, nil
}
