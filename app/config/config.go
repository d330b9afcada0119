// Package config provides a go-simpler.org/env configuration table and
// helpers for working with the relay's environment-derived settings.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"go-simpler.org/env"
	lol "lol.mleku.dev"
	"lol.mleku.dev/chk"
)

// C holds application configuration settings loaded from environment
// variables and default values: storage engine selection, retention and
// validation parameters, rate-limit capacity, gossip wiring, and the
// noise-overlay requirement.
type C struct {
	AppName     string `env:"AETHER_APP_NAME" usage:"set a name to display on information about the relay" default:"aether"`
	DataDir     string `env:"AETHER_DATA_DIR" usage:"storage location for the badger event store" default:"~/.local/share/aether"`
	Listen      string `env:"AETHER_LISTEN" default:"0.0.0.0" usage:"network listen address"`
	Port        int    `env:"AETHER_PORT" default:"3337" usage:"port to listen on"`
	HealthPort  int    `env:"AETHER_HEALTH_PORT" default:"3338" usage:"separate health/metrics HTTP port; 0 disables the separate listener (the main port always serves /healthz and /metrics)"`
	LogLevel    string `env:"AETHER_LOG_LEVEL" default:"info" usage:"relay log level: fatal error warn info debug trace"`
	LogToStdout bool   `env:"AETHER_LOG_TO_STDOUT" default:"false" usage:"log to stdout instead of stderr"`
	Pprof       string `env:"AETHER_PPROF" usage:"enable pprof in modes: cpu,memory,allocation"`

	Engine string `env:"AETHER_ENGINE" default:"memory" usage:"storage engine: memory|badger"`

	RetentionSeconds uint64 `env:"AETHER_RETENTION_SECONDS" default:"0" usage:"immutable-event retention window in seconds; 0 means unbounded"`
	MaxEventBytes    int    `env:"AETHER_MAX_EVENT_BYTES" default:"65536" usage:"maximum event size in bytes: canonical serialization plus id and signature"`
	PowBits          int    `env:"AETHER_POW_BITS" default:"0" usage:"required leading-zero-bit proof-of-work difficulty; 0 disables"`
	ValidationWindowSeconds uint64 `env:"AETHER_VALIDATION_WINDOW_SECONDS" default:"60" usage:"allowed created_at clock skew in seconds"`

	RateLimitPerSec float64 `env:"AETHER_RATE_LIMIT_PER_SEC" default:"10" usage:"per-pubkey sustained publish rate"`
	RateLimitBurst  int     `env:"AETHER_RATE_LIMIT_BURST" default:"20" usage:"per-pubkey burst publish allowance"`

	SubscriptionQueueSize int `env:"AETHER_SUBSCRIPTION_QUEUE_SIZE" default:"1024" usage:"per-connection bounded outbound queue size, shared by every subscription on the connection; 0 means unbounded"`

	GossipURL   string `env:"AETHER_GOSSIP_URL" usage:"NATS server URL for gossip echo; empty disables gossip"`
	GossipTopic string `env:"AETHER_GOSSIP_TOPIC" default:"aether.events" usage:"NATS subject for gossip echo"`

	NoiseRequired bool `env:"AETHER_NOISE_REQUIRED" default:"false" usage:"establish the noise-encrypted channel overlay whenever a client's hello carries a noise pubkey, even if the client did not mark it required; clients that send no noise pubkey stay unencrypted"`

	IPWhitelist []string `env:"AETHER_IP_WHITELIST" usage:"comma-separated list of IP prefixes to allow access from"`
	Admins      []string `env:"AETHER_ADMINS" usage:"comma-separated list of admin pubkeys (hex), bypassing the rate limiter and size guard"`
	Owners      []string `env:"AETHER_OWNERS" usage:"comma-separated list of owner pubkeys (hex), bypassing the rate limiter and size guard"`
}

// New creates and initializes a new configuration object for the relay
// application.
//
// # Return Values
//
//   - cfg: A pointer to the initialized configuration struct containing
//     default or environment-provided values.
//
//   - err: An error object that is non-nil if any operation during
//     initialization fails.
//
// # Expected Behaviour
//
// Initializes a new configuration instance by loading environment
// variables, resolves the default data directory via XDG when unset, and
// applies the configured log level. Prints help or the environment table
// and exits when requested via command-line arguments.
func New() (cfg *C, err error) {
	cfg = &C{}
	if err = env.Load(cfg, &env.Options{SliceSep: ","}); chk.T(err) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %s\n\n", err)
		}
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if cfg.DataDir == "" || strings.Contains(cfg.DataDir, "~") {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	if GetEnv() {
		PrintEnv(cfg, os.Stdout)
		os.Exit(0)
	}
	if HelpRequested() {
		PrintHelp(cfg, os.Stderr)
		os.Exit(0)
	}
	if cfg.LogToStdout {
		lol.Writer = os.Stdout
	}
	lol.SetLogLevel(cfg.LogLevel)
	return
}

// HelpRequested determines if the command line arguments indicate a
// request for help.
func HelpRequested() (help bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "help", "-h", "--h", "-help", "--help", "?":
			help = true
		}
	}
	return
}

// GetEnv checks if the first command line argument is "env" and returns
// whether the environment configuration should be printed.
func GetEnv() (requested bool) {
	if len(os.Args) > 1 {
		switch strings.ToLower(os.Args[1]) {
		case "env":
			requested = true
		}
	}
	return
}

// KV is a key/value pair.
type KV struct{ Key, Value string }

// KVSlice is a sortable slice of key/value pairs.
type KVSlice []KV

func (kv KVSlice) Len() int           { return len(kv) }
func (kv KVSlice) Less(i, j int) bool { return kv[i].Key < kv[j].Key }
func (kv KVSlice) Swap(i, j int)      { kv[i], kv[j] = kv[j], kv[i] }

// EnvKV generates key/value pairs from a configuration object's struct
// tags.
func EnvKV(cfg any) (m KVSlice) {
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		k := t.Field(i).Tag.Get("env")
		v := reflect.ValueOf(cfg).Field(i).Interface()
		var val string
		switch v.(type) {
		case string:
			val = v.(string)
		case int, uint64, bool, float64, time.Duration:
			val = fmt.Sprint(v)
		case []string:
			arr := v.([]string)
			if len(arr) > 0 {
				val = strings.Join(arr, ",")
			}
		}
		if k == "" {
			continue
		}
		m = append(m, KV{k, val})
	}
	return
}

// PrintEnv outputs sorted environment key/value pairs from a
// configuration object to the provided writer.
func PrintEnv(cfg *C, printer io.Writer) {
	kvs := EnvKV(*cfg)
	sort.Sort(kvs)
	for _, v := range kvs {
		_, _ = fmt.Fprintf(printer, "%s=%s\n", v.Key, v.Value)
	}
}

// PrintHelp prints help information including the environment variable
// table and current configuration values to the provided writer.
func PrintHelp(cfg *C, printer io.Writer) {
	_, _ = fmt.Fprintf(printer, "%s\n\n", cfg.AppName)
	_, _ = fmt.Fprintf(
		printer,
		`Usage: %s [env|help]

- env: print environment variables configuring %s
- help: print this help text

`,
		cfg.AppName, cfg.AppName,
	)
	_, _ = fmt.Fprintf(
		printer,
		"Environment variables that configure %s:\n\n", cfg.AppName,
	)
	env.Usage(cfg, printer, &env.Options{SliceSep: ","})
	fmt.Fprintf(printer, "\ncurrent configuration:\n\n")
	PrintEnv(cfg, printer)
	fmt.Fprintln(printer)
}
