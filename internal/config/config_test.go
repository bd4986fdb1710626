package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestEnsureCreatesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatal("expected config to be created")
	}
	if cfg.Audio.SampleRate != 44100 {
		t.Fatalf("sample rate = %d", cfg.Audio.SampleRate)
	}

	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if created {
		t.Fatal("config created twice")
	}
	if cfg2.Viewer.Bind != cfg.Viewer.Bind {
		t.Fatalf("reload mismatch: %q vs %q", cfg2.Viewer.Bind, cfg.Viewer.Bind)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"audio": {"sample_rate": 48000, "channels": 2, "frame_ms": 20, "fade_tick_ms": 50, "speaker_buffer_ms": 100}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Audio.SampleRate != 48000 {
		t.Fatalf("sample rate = %d", cfg.Audio.SampleRate)
	}
	// Fields absent from the file keep their defaults.
	if cfg.P2P.MdnsTag == "" || cfg.Catalog.LeftDir == "" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{}`)...)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.Audio.SampleRate = 0 }},
		{"three channels", func(c *Config) { c.Audio.Channels = 3 }},
		{"empty key file", func(c *Config) { c.Identity.KeyFile = "" }},
		{"port too high", func(c *Config) { c.P2P.ListenPort = 70000 }},
		{"empty viewer bind", func(c *Config) { c.Viewer.Bind = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
