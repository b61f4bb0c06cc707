package conf

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TemplatesConfig holds the identity and heartbeat prompt templates loaded
// from YAML: look for a file at a few candidate paths, else fall back to a
// compiled-in default.
type TemplatesConfig struct {
	Identity  string `yaml:"identity"`
	Heartbeat string `yaml:"heartbeat"`
	// MediaConvention and HeartbeatConvention are spliced into Identity via
	// {{MediaConvention}}/{{HeartbeatConvention}} placeholders so operators
	// can restate them in their own words without losing the wiring.
	MediaConvention     string `yaml:"media_convention"`
	HeartbeatConvention string `yaml:"heartbeat_convention"`
	// TurnEndConvention tells the agent how to signal it has finished a
	// turn, so the engine knows to stop buffering and flush the reply.
	TurnEndConvention string `yaml:"turn_end_convention"`
}

// TurnEndMarker is the sentinel line the agent client scans for to detect
// the end of a turn (internal/infra/agent). It is a wire convention of this
// engine, not of the agent binary itself, so it lives alongside the other
// templates rather than in internal/infra/agent to keep the identity prompt
// and the parser in sync.
const TurnEndMarker = "===END_TURN==="

func DefaultTemplatesConfig() *TemplatesConfig {
	return &TemplatesConfig{
		Identity: "You are reachable over {{Messenger}} (active providers: {{PROVIDERS}}). Media you send may not exceed {{MaxMediaSize}}. " +
			"Your scratchpad directory is {{ScratchDir}}. {{MediaConvention}} {{HeartbeatConvention}} {{TurnEndConvention}}",
		Heartbeat:           "This is a scheduled check-in. Reply with exactly HEARTBEAT_OK if you have nothing to say.",
		MediaConvention:     "To send media, print a line of exactly MEDIA:/absolute/path pointing at a file you already wrote.",
		HeartbeatConvention: "A reply body of exactly HEARTBEAT_OK is never delivered to the peer.",
		TurnEndConvention:   "After each reply, print a line of exactly " + TurnEndMarker + " and wait for the next message.",
	}
}

// LoadTemplatesConfig tries configPath alone when it is non-empty, and
// otherwise a short list of conventional locations relative to the working
// directory and the executable, falling back to DefaultTemplatesConfig if
// none exist.
func LoadTemplatesConfig(configPath string) (*TemplatesConfig, error) {
	paths := []string{configPath}
	if configPath == "" {
		paths = []string{
			"configs/templates.yaml",
			"./configs/templates.yaml",
		}
		if execPath, err := os.Executable(); err == nil {
			paths = append(paths, filepath.Join(filepath.Dir(execPath), "configs", "templates.yaml"))
		}
		if wd, err := os.Getwd(); err == nil {
			paths = append(paths, filepath.Join(wd, "configs", "templates.yaml"))
		}
	}

	var data []byte
	var loadedFrom string
	for _, p := range paths {
		if p == "" {
			continue
		}
		if d, err := os.ReadFile(p); err == nil {
			data, loadedFrom = d, p
			break
		}
	}

	if data == nil {
		return DefaultTemplatesConfig(), nil
	}

	fmt.Printf("[config] loading templates from %s\n", loadedFrom)

	var cfg TemplatesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse templates.yaml: %w", err)
	}
	cfg.fillDefaults()
	return &cfg, nil
}

func (c *TemplatesConfig) fillDefaults() {
	d := DefaultTemplatesConfig()
	if c.Identity == "" {
		c.Identity = d.Identity
	}
	if c.Heartbeat == "" {
		c.Heartbeat = d.Heartbeat
	}
	if c.MediaConvention == "" {
		c.MediaConvention = d.MediaConvention
	}
	if c.HeartbeatConvention == "" {
		c.HeartbeatConvention = d.HeartbeatConvention
	}
	if c.TurnEndConvention == "" {
		c.TurnEndConvention = d.TurnEndConvention
	}
}
