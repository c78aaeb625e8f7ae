package mesh

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type MindGraphSettings struct {
	Connection *ConnectionSettings `yaml:"connection"`
	Layout     *LayoutSettings     `yaml:"layout"`

	// layout cadence, independent of message arrival
	TickInterval    time.Duration `yaml:"tick_interval"`
	EventBufferSize int           `yaml:"event_buffer_size"`
	// drop the graph and layout when switching to a different session
	ResetOnSessionChange bool `yaml:"reset_on_session_change"`
}

func DefaultMindGraphSettings() *MindGraphSettings {
	return &MindGraphSettings{
		Connection:           DefaultConnectionSettings(),
		Layout:               DefaultLayoutSettings(),
		TickInterval:         16 * time.Millisecond,
		EventBufferSize:      32,
		ResetOnSessionChange: true,
	}
}

// overlays a yaml file on the defaults
// unknown keys are an error so that typos do not silently fall back to defaults
func LoadMindGraphSettings(path string) (*MindGraphSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMindGraphSettings(data)
}

func ParseMindGraphSettings(data []byte) (*MindGraphSettings, error) {
	settings := DefaultMindGraphSettings()
	if len(bytes.TrimSpace(data)) == 0 {
		return settings, nil
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("Invalid settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (self *MindGraphSettings) Validate() error {
	if self.Connection == nil || self.Layout == nil {
		return fmt.Errorf("Invalid settings: connection and layout are required.")
	}
	if self.Connection.Url == "" {
		return fmt.Errorf("Invalid settings: connection url is required.")
	}
	if self.TickInterval <= 0 {
		return fmt.Errorf("Invalid settings: tick_interval must be positive (%s).", self.TickInterval)
	}
	if self.Layout.AlphaDecay <= 0 || 1 <= self.Layout.AlphaDecay {
		return fmt.Errorf("Invalid settings: alpha_decay must be in (0, 1) (%f).", self.Layout.AlphaDecay)
	}
	if self.Layout.VelocityDecay < 0 || 1 < self.Layout.VelocityDecay {
		return fmt.Errorf("Invalid settings: velocity_decay must be in [0, 1] (%f).", self.Layout.VelocityDecay)
	}
	if self.Layout.SimilarityWeight < 0 || 1 < self.Layout.SimilarityWeight {
		return fmt.Errorf("Invalid settings: similarity_weight must be in [0, 1] (%f).", self.Layout.SimilarityWeight)
	}
	if self.Layout.LinkIterations < 1 {
		return fmt.Errorf("Invalid settings: link_iterations must be at least 1 (%d).", self.Layout.LinkIterations)
	}
	return nil
}
