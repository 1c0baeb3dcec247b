package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the server needs to start: listen addresses,
// session secret, per-host compositor/audio endpoints, and the external
// resolver it calls to turn a runner's handle into a playable URL.
//
// Precedence, highest to lowest: AM_-prefixed environment variables, CLI
// flags, the YAML file named by --config, built-in defaults (spec.md §6.6).
type Config struct {
	Port            int           `yaml:"port"`
	LogLevel        string        `yaml:"log_level"`
	DBPath          string        `yaml:"db_path"`
	SessionSecret   string        `yaml:"session_secret"`
	ResolverURL     string        `yaml:"resolver_url"`
	VoiceBridgeAddr string        `yaml:"voice_bridge_addr"`
	CertValidity    time.Duration `yaml:"cert_validity"`
	Hosts           []HostConfig  `yaml:"hosts,omitempty"`
}

// HostConfig names one compositor-equipped machine (spec.md §6.2, §6.4
// step 6): where to reach its control WebSocket and where to push its
// mixed audio sink datagrams.
type HostConfig struct {
	Name          string `yaml:"name"`
	CompositorURL string `yaml:"compositor_url"`
	AudioSinkURL  string `yaml:"audio_sink_url"`
}

func defaultConfig() Config {
	return Config{
		Port:            28010,
		LogLevel:        "info",
		DBPath:          "automarathon.db",
		SessionSecret:   "",
		ResolverURL:     "",
		VoiceBridgeAddr: ":28011",
		CertValidity:    365 * 24 * time.Hour,
	}
}

// loadConfigFile decodes path with strict YAML, grounded on
// vinq1911-nonchalant/internal/config/config.go's KnownFields(true) +
// setDefaults pattern. Unknown fields in the file are a configuration
// error rather than silently ignored.
func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	fileCfg := defaultConfig()
	if err := dec.Decode(&fileCfg); err != nil {
		return cfg, fmt.Errorf("decode config file: %w", err)
	}
	return fileCfg, nil
}

// flagValues holds the command-line flags: --config, --port, --log per
// spec.md §6.6, plus the wiring flags SPEC_FULL.md's DOMAIN STACK section
// names (resolver/voice-bridge endpoints, session secret, db path).
type flagValues struct {
	configPath      string
	port            int
	logLevel        string
	dbPath          string
	sessionSecret   string
	resolverURL     string
	voiceBridgeAddr string
	certValidity    time.Duration
}

func parseFlags(args []string) (flagValues, error) {
	fs := flag.NewFlagSet("automarathon", flag.ContinueOnError)
	var fv flagValues
	fs.StringVar(&fv.configPath, "config", "", "path to YAML configuration file")
	fs.IntVar(&fv.port, "port", 0, "HTTP listen port (default 28010)")
	fs.StringVar(&fv.logLevel, "log", "", "log level: debug, info, warn, error")
	fs.StringVar(&fv.dbPath, "db", "", "SQLite database path")
	fs.StringVar(&fv.sessionSecret, "session-secret", "", "shared-secret bearer token")
	fs.StringVar(&fv.resolverURL, "resolver-url", "", "stream URL resolver endpoint")
	fs.StringVar(&fv.voiceBridgeAddr, "voice-addr", "", "Voice Bridge WebTransport listen address")
	fs.DurationVar(&fv.certValidity, "cert-validity", 0, "self-signed TLS certificate validity")
	if err := fs.Parse(args); err != nil {
		return flagValues{}, err
	}
	return fv, nil
}

// resolveConfig applies file, then flags, then env, onto the built-in
// defaults, in that increasing-precedence order (spec.md's Configuration
// ambient-stack addition: env > flags > file > default).
func resolveConfig(args []string) (Config, error) {
	fv, err := parseFlags(args)
	if err != nil {
		return Config{}, err
	}

	cfg, err := loadConfigFile(fv.configPath)
	if err != nil {
		return Config{}, err
	}

	if fv.port != 0 {
		cfg.Port = fv.port
	}
	if fv.logLevel != "" {
		cfg.LogLevel = fv.logLevel
	}
	if fv.dbPath != "" {
		cfg.DBPath = fv.dbPath
	}
	if fv.sessionSecret != "" {
		cfg.SessionSecret = fv.sessionSecret
	}
	if fv.resolverURL != "" {
		cfg.ResolverURL = fv.resolverURL
	}
	if fv.voiceBridgeAddr != "" {
		cfg.VoiceBridgeAddr = fv.voiceBridgeAddr
	}
	if fv.certValidity != 0 {
		cfg.CertValidity = fv.certValidity
	}

	if v := getEnv("AM_PORT", ""); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	cfg.LogLevel = getEnv("AM_LOG_LEVEL", cfg.LogLevel)
	cfg.DBPath = getEnv("AM_DB_PATH", cfg.DBPath)
	cfg.SessionSecret = getEnv("AM_SESSION_SECRET", cfg.SessionSecret)
	cfg.ResolverURL = getEnv("AM_RESOLVER_URL", cfg.ResolverURL)
	cfg.VoiceBridgeAddr = getEnv("AM_VOICE_BRIDGE_ADDR", cfg.VoiceBridgeAddr)
	if v := getEnv("AM_CERT_VALIDITY", ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CertValidity = d
		}
	}

	return cfg, cfg.validate()
}

// validate enforces the fields the rest of main.go assumes are non-empty,
// mapping to exit code 2 (spec.md §6.6 "bad config") in the caller.
func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db path must not be empty")
	}
	return nil
}

// getEnv mirrors arung-agamani-denpa-radio/config/config.go's getEnv: an
// AM_-prefixed environment variable always wins over whatever was already
// resolved from flags or the config file.
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
