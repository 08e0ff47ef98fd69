package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode         string        `mapstructure:"mode"`
	Port         int           `mapstructure:"port"`
	StaticPath   string        `mapstructure:"static_path"`
	UploadPath   string        `mapstructure:"upload_path"`
	DataDir      string        `mapstructure:"data_dir"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	HistoryLimit int           `mapstructure:"history_limit"`
	Secret       string        `mapstructure:"secret"`

	// peer side
	RelayURL    string   `mapstructure:"relay_url"`
	StunServers []string `mapstructure:"stun_servers"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("upload_path", "./uploads")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 32)
	v.SetDefault("history_limit", 50)
	v.SetDefault("relay_url", "ws://localhost:8080")
	v.SetDefault("stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Default returns the defaults without touching the filesystem.
// Used by tests and by embedded relay instances.
func Default() *Config {
	return &Config{
		Mode:         "release",
		Port:         8080,
		StaticPath:   "./web",
		UploadPath:   "./uploads",
		DataDir:      "./data",
		ReadLimit:    65536,
		WriteTimeout: 5 * time.Second,
		SendBuffer:   32,
		HistoryLimit: 50,
		RelayURL:     "ws://localhost:8080",
		StunServers:  []string{"stun:stun.l.google.com:19302"},
	}
}
