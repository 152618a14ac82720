package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// DefaultSTUNServers are used for ICE gathering when no servers are
// configured. No TURN relay is configured by default, so peers behind
// symmetric NAT may fail to connect.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	ServerURL   string   `mapstructure:"server_url"`
	IPCAddr     string   `mapstructure:"ipc_addr"`
	VoicedPath  string   `mapstructure:"voiced_path"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFile     string   `mapstructure:"log_file"`
	STUNServers []string `mapstructure:"stun_servers"`

	Audio Audio `mapstructure:"audio"`
}

// Audio holds the user's device and processing preferences. They are applied
// in place by the voice daemon without renegotiating any peer connection.
type Audio struct {
	InputDevice      string `mapstructure:"input_device"`
	OutputDevice     string `mapstructure:"output_device"`
	InputVolume      int    `mapstructure:"input_volume"`
	OutputVolume     int    `mapstructure:"output_volume"`
	EchoCancellation bool   `mapstructure:"echo_cancellation"`
	NoiseSuppression bool   `mapstructure:"noise_suppression"`
}

// Load reads shyro.yaml from the user config dir (or the path given by
// SHYRO_CONFIG), layered under SHYRO_* environment variables and defaults.
// A missing config file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("shyro")
	v.SetConfigType("yaml")

	if explicit := os.Getenv("SHYRO_CONFIG"); explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "shyro"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SHYRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ipc_addr", DefaultIPCAddr())
	v.SetDefault("log_level", "info")
	v.SetDefault("stun_servers", DefaultSTUNServers)
	v.SetDefault("audio.input_volume", 100)
	v.SetDefault("audio.output_volume", 100)
	v.SetDefault("audio.echo_cancellation", true)
	v.SetDefault("audio.noise_suppression", true)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func DefaultIPCAddr() string {
	if runtime.GOOS == "windows" {
		return `\\.\pipe\shyro-voice`
	}
	return filepath.Join(os.TempDir(), "shyro-voice.sock")
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server url is required")
	}
	if strings.TrimSpace(c.IPCAddr) == "" {
		return errors.New("ipc address is required")
	}
	if c.Audio.InputVolume < 0 || c.Audio.InputVolume > 200 {
		return errors.New("input volume must be within 0-200")
	}
	if c.Audio.OutputVolume < 0 || c.Audio.OutputVolume > 200 {
		return errors.New("output volume must be within 0-200")
	}
	return nil
}
