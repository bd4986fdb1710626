package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/buzzdeck/buzzdeck/internal/proto"
	"github.com/buzzdeck/buzzdeck/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Paths    Paths    `json:"paths"`
	P2P      P2P      `json:"p2p"`
	Audio    Audio    `json:"audio"`
	Catalog  Catalog  `json:"catalog"`
	Viewer   Viewer   `json:"viewer"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Audio struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`

	// Broadcast frame duration in milliseconds.
	FrameMs int `json:"frame_ms"`

	// Volume ramp tick for fade-in/fade-out.
	FadeTickMs int `json:"fade_tick_ms"`

	// Local speaker buffer; larger survives scheduling hiccups, smaller
	// keeps fades snappy.
	SpeakerBufferMs int `json:"speaker_buffer_ms"`
}

type Catalog struct {
	LeftDir  string `json:"left_dir"`
	RightDir string `json:"right_dir"`
}

type Viewer struct {
	Bind string `json:"bind"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
		},
		Paths: Paths{
			DataDir: "data",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    proto.MdnsTag,
		},
		Audio: Audio{
			SampleRate:      44100,
			Channels:        2,
			FrameMs:         20,
			FadeTickMs:      50,
			SpeakerBufferMs: 100,
		},
		Catalog: Catalog{
			LeftDir:  "music/left",
			RightDir: "music/right",
		},
		Viewer: Viewer{
			Bind: "127.0.0.1:8765",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return errors.New("audio.sample_rate must be 8000..192000")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	if c.Audio.FrameMs < 5 || c.Audio.FrameMs > 200 {
		return errors.New("audio.frame_ms must be 5..200")
	}
	if c.Audio.FadeTickMs < 10 || c.Audio.FadeTickMs > 1000 {
		return errors.New("audio.fade_tick_ms must be 10..1000")
	}
	if c.Audio.SpeakerBufferMs < 20 || c.Audio.SpeakerBufferMs > 2000 {
		return errors.New("audio.speaker_buffer_ms must be 20..2000")
	}

	if strings.TrimSpace(c.Catalog.LeftDir) == "" {
		return errors.New("catalog.left_dir is required")
	}
	if strings.TrimSpace(c.Catalog.RightDir) == "" {
		return errors.New("catalog.right_dir is required")
	}

	if strings.TrimSpace(c.Viewer.Bind) == "" {
		return errors.New("viewer.bind is required")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
