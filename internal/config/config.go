package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Registry RegistryConfig `yaml:"registry"`
	Viewer   ViewerConfig   `yaml:"viewer"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
}

type StreamConfig struct {
	// KeepaliveInterval is how often the session emits a keepalive while no
	// frame is due, so a paused stream stays observably alive.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// MaxStreamDelay bounds the gap between liveness-relevant writes; a
	// session that cannot write anything for this long terminates.
	MaxStreamDelay time.Duration `yaml:"max_stream_delay"`
	ControlTimeout time.Duration `yaml:"control_timeout"`
}

type RegistryConfig struct {
	RuntimeDir    string        `yaml:"runtime_dir"`
	LocateTimeout time.Duration `yaml:"locate_timeout"`
	LocatePoll    time.Duration `yaml:"locate_poll"`
}

type ViewerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":8090",
			DataDir:    "/var/lib/zoneminder/events",
		},
		Stream: StreamConfig{
			KeepaliveInterval: time.Second,
			MaxStreamDelay:    5 * time.Second,
			ControlTimeout:    2 * time.Second,
		},
		Registry: RegistryConfig{
			RuntimeDir:    "/run/zoneminder",
			LocateTimeout: time.Second,
			LocatePoll:    time.Millisecond,
		},
		Viewer: ViewerConfig{
			PollInterval: time.Second,
		},
	}
}

// Load reads the yaml config at path over the compiled-in defaults. A missing
// file is not an error; callers run on defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
