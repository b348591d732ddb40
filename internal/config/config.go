package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/examgate/proctor-control-plane/internal/token"
)

const envPrefix = "PROCTOR_"

type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	Store       string `env:"STORE" envDefault:"badger"`
	DatabaseURL string `env:"DATABASE_URL"`
	BadgerDir   string `env:"BADGER_DIR" envDefault:"./data/badger"`
	JWTSecret   string `env:"JWT_SECRET"`
	LogDev      bool   `env:"LOG_DEV" envDefault:"false"`
	// TraceOutput is "stdout", a file path, or empty to disable tracing.
	TraceOutput string `env:"TRACE_OUTPUT"`

	GatewayCryptKey string `env:"GATEWAY_CRYPT_KEY"`
	GatewayWSPath   string `env:"GATEWAY_WS_PATH" envDefault:"/guaclite"`

	Hypervisor            string        `env:"HYPERVISOR" envDefault:"fake"`
	AWSRegion             string        `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSHibernate          bool          `env:"AWS_HIBERNATE" envDefault:"false"`
	HypervisorStopTimeout time.Duration `env:"HYPERVISOR_STOP_TIMEOUT" envDefault:"30s"`

	NATSURL        string `env:"NATS_URL"`
	ReleaseSubject string `env:"RELEASE_SUBJECT" envDefault:"proctor.machines.released"`

	InventoryFile     string        `env:"INVENTORY_FILE"`
	SnapshotRefresh   time.Duration `env:"SNAPSHOT_REFRESH" envDefault:"2s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	OrphanGrace       time.Duration `env:"ORPHAN_GRACE" envDefault:"1m"`
	// InProcessJobs runs the background jobs inside the API process. The
	// badger store always does, since only one process may open it.
	InProcessJobs bool `env:"IN_PROCESS_JOBS" envDefault:"false"`

	Token TokenConfig `envPrefix:"TOKEN_"`
}

type TokenConfig struct {
	Protocol           string `env:"PROTOCOL" envDefault:"rdp"`
	Security           string `env:"SECURITY" envDefault:"nla"`
	IgnoreCert         bool   `env:"IGNORE_CERT" envDefault:"true"`
	DPI                int    `env:"DPI" envDefault:"96"`
	KeyboardLayout     string `env:"KEYBOARD_LAYOUT" envDefault:"en-us-qwerty"`
	DisableAudio       bool   `env:"DISABLE_AUDIO" envDefault:"false"`
	DisableGlyphCache  bool   `env:"DISABLE_GLYPH_CACHE" envDefault:"false"`
	LightweightDesktop bool   `env:"LIGHTWEIGHT_DESKTOP" envDefault:"true"`
}

func (t TokenConfig) Options() token.Options {
	return token.Options{
		Protocol:           t.Protocol,
		Security:           t.Security,
		IgnoreCert:         t.IgnoreCert,
		DPI:                t.DPI,
		KeyboardLayout:     t.KeyboardLayout,
		DisableAudio:       t.DisableAudio,
		DisableGlyphCache:  t.DisableGlyphCache,
		LightweightDesktop: t.LightweightDesktop,
	}
}

func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Store != "badger" && c.Store != "postgres" {
		return fmt.Errorf("PROCTOR_STORE must be one of badger|postgres")
	}
	if c.Store == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("PROCTOR_DATABASE_URL is required for postgres store")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("PROCTOR_JWT_SECRET is required")
	}
	if c.GatewayCryptKey == "" {
		return fmt.Errorf("PROCTOR_GATEWAY_CRYPT_KEY is required")
	}
	if len(c.GatewayCryptKey) != token.KeySize {
		return fmt.Errorf("PROCTOR_GATEWAY_CRYPT_KEY must be %d bytes", token.KeySize)
	}
	if c.Hypervisor != "fake" && c.Hypervisor != "aws" {
		return fmt.Errorf("PROCTOR_HYPERVISOR must be one of fake|aws")
	}
	if c.Hypervisor == "aws" && c.AWSRegion == "" {
		return fmt.Errorf("PROCTOR_AWS_REGION is required for aws hypervisor")
	}
	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("PROCTOR_SWEEP_INTERVAL and PROCTOR_RECONCILE_INTERVAL must be positive")
	}
	return nil
}
