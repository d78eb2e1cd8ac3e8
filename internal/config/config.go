package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Deck struct {
		TTL string `yaml:"ttl"`
	} `yaml:"deck"`
	Game Game `yaml:"game"`
}

// Game holds the default round timings. Durations use time.ParseDuration syntax.
type Game struct {
	ListenDuration  string `yaml:"listenDuration"`
	RevealDelay     string `yaml:"revealDelay"`
	AutoReveal      string `yaml:"autoReveal"`
	PowerPickWindow string `yaml:"powerPickWindow"`
	// PowerPick defaults to enabled when omitted.
	PowerPick   *bool  `yaml:"powerPick"`
	SpeedWindow string `yaml:"speedWindow"`
}

// PowerPickEnabled reports the configured power-pick switch.
func (g Game) PowerPickEnabled() bool {
	return g.PowerPick == nil || *g.PowerPick
}

// Load reads YAML config from path.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
