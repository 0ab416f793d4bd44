package buzzworker

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"buzzworker/internal/errors"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port"`
		Origin string `yaml:"origin"`
		// ControlToken guards the /__buzz routes. Without one they only
		// answer loopback callers.
		ControlToken string `yaml:"controlToken"`
	} `yaml:"server"`

	Storage struct {
		Path         string `yaml:"path"`
		MaxEntrySize string `yaml:"maxEntrySize"`

		maxEntryBytes int64
	} `yaml:"storage"`

	Worker WorkerConfig `yaml:"worker"`

	Strategies struct {
		Navigation StrategyConfig `yaml:"navigation"`
		Static     StrategyConfig `yaml:"static"`
		Image      StrategyConfig `yaml:"image"`
	} `yaml:"strategies"`

	Push PushConfig `yaml:"push"`

	WebManifest WebManifest `yaml:"webManifest"`

	Logging struct {
		JSON          bool   `yaml:"json"`
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Reporting struct {
		SentryDSN   string `yaml:"sentryDsn"`
		Environment string `yaml:"environment"`
	} `yaml:"reporting"`
}

type WorkerConfig struct {
	// Version identifies the deployed worker build. A change purges runtime
	// partitions at activation.
	Version             string `yaml:"version"`
	Mode                string `yaml:"mode"`         // "production" | "development"
	RegisterType        string `yaml:"registerType"` // "prompt" | "autoUpdate"
	RegistrationPath    string `yaml:"registrationPath"`
	DevRegistrationPath string `yaml:"devRegistrationPath"`
	Manifest            string `yaml:"manifest"`
	NetworkTimeout      string `yaml:"networkTimeout"`
	PrecacheConcurrency int    `yaml:"precacheConcurrency"`

	networkTimeout time.Duration
}

type StrategyConfig struct {
	Partition  string `yaml:"partition"`
	Handler    string `yaml:"handler"` // "networkFirst" | "cacheFirst"
	MaxEntries int    `yaml:"maxEntries"`
	MaxAge     string `yaml:"maxAge"`
	// BypassWhenCookies sends requests carrying any of these cookies straight
	// to the origin. "*" matches any cookie.
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`

	maxAge time.Duration
}

type PushConfig struct {
	APIBase        string   `yaml:"apiBase"`
	VAPIDPublicKey string   `yaml:"vapidPublicKey"`
	DefaultTitle   string   `yaml:"defaultTitle"`
	DefaultIcon    string   `yaml:"defaultIcon"`
	EndpointBase   string   `yaml:"endpointBase"`
	OpenCommand    []string `yaml:"openCommand"`
	Sinks          []string `yaml:"sinks"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		Topic    string `yaml:"topic"`
		ClientID string `yaml:"clientId"`
	} `yaml:"mqtt"`
}

const (
	ModeProduction  = "production"
	ModeDevelopment = "development"

	RegisterPrompt     = "prompt"
	RegisterAutoUpdate = "autoUpdate"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles durations and sizes.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfig returns a compiled config pointing at origin.
func DefaultConfig(origin string) Config {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.normalize(); err != nil {
		panic(err)
	}
	return cfg
}

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.MaxEntrySize != "" {
		n, err := parseBytes(cfg.Storage.MaxEntrySize)
		if err != nil {
			return errors.Wrap(err, "storage.maxEntrySize")
		}
		cfg.Storage.maxEntryBytes = n
	}

	w := &cfg.Worker
	switch w.Mode {
	case "":
		w.Mode = ModeProduction
	case ModeProduction, ModeDevelopment:
	default:
		return errors.Newf("worker.mode: unknown mode %q", w.Mode)
	}
	switch w.RegisterType {
	case "":
		w.RegisterType = RegisterPrompt
	case RegisterPrompt, RegisterAutoUpdate:
	default:
		return errors.Newf("worker.registerType: unknown type %q", w.RegisterType)
	}
	if w.RegistrationPath == "" {
		w.RegistrationPath = "/sw.js"
	}
	if w.DevRegistrationPath == "" {
		w.DevRegistrationPath = "/dev-sw.js?dev-sw"
	}
	if w.PrecacheConcurrency <= 0 {
		w.PrecacheConcurrency = 8
	}
	if w.NetworkTimeout != "" {
		d, err := time.ParseDuration(w.NetworkTimeout)
		if err != nil {
			return errors.Wrap(err, "worker.networkTimeout")
		}
		w.networkTimeout = d
	}

	defaults := defaultStrategies()
	for _, s := range []struct {
		name string
		cfg  *StrategyConfig
		def  strategyDescriptor
	}{
		{"navigation", &cfg.Strategies.Navigation, defaults[ClassNavigation]},
		{"static", &cfg.Strategies.Static, defaults[ClassStaticAsset]},
		{"image", &cfg.Strategies.Image, defaults[ClassImage]},
	} {
		if err := s.cfg.compile(s.def); err != nil {
			return errors.Wrapf(err, "strategies.%s", s.name)
		}
	}
	seen := map[string]struct{}{}
	for _, p := range []string{cfg.Strategies.Navigation.Partition, cfg.Strategies.Static.Partition, cfg.Strategies.Image.Partition} {
		if _, dup := seen[p]; dup {
			return errors.Newf("strategies: partition %q is used by more than one class", p)
		}
		seen[p] = struct{}{}
	}

	p := &cfg.Push
	if p.DefaultTitle == "" {
		p.DefaultTitle = "Buzzthing"
	}
	if p.DefaultIcon == "" {
		p.DefaultIcon = "/icon-192x192.png"
	}
	p.APIBase = strings.TrimRight(p.APIBase, "/")
	if p.MQTT.Broker != "" && p.MQTT.Topic == "" {
		return errors.New("push.mqtt.topic is required when push.mqtt.broker is set")
	}
	if p.MQTT.ClientID == "" {
		p.MQTT.ClientID = "buzzworker"
	}

	cfg.WebManifest.normalize(p.DefaultTitle)

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.logStatsEvery")
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func (s *StrategyConfig) compile(def strategyDescriptor) error {
	if s.Partition == "" {
		s.Partition = def.Partition
	}
	switch s.Handler {
	case "":
		s.Handler = def.Order.String()
	case OrderNetworkFirst.String(), OrderCacheFirst.String():
	default:
		return errors.Newf("handler: unknown handler %q", s.Handler)
	}
	if s.MaxEntries < 0 {
		return errors.New("maxEntries: must not be negative")
	}
	if s.MaxEntries == 0 {
		s.MaxEntries = def.Policy.MaxEntries
	}
	if s.MaxAge != "" {
		d, err := time.ParseDuration(s.MaxAge)
		if err != nil {
			return errors.Wrap(err, "maxAge")
		}
		if d <= 0 {
			return errors.New("maxAge: must be positive")
		}
		s.maxAge = d
	} else {
		s.maxAge = def.Policy.MaxAge
	}
	if s.Partition == PrecachePartition || s.Partition == PendingPrecachePartition {
		return errors.Newf("partition: %q is reserved", s.Partition)
	}
	return nil
}

func (s StrategyConfig) descriptor() strategyDescriptor {
	order := OrderCacheFirst
	if s.Handler == OrderNetworkFirst.String() {
		order = OrderNetworkFirst
	}
	return strategyDescriptor{
		Partition:     s.Partition,
		Order:         order,
		Policy:        Policy{MaxEntries: s.MaxEntries, MaxAge: s.maxAge},
		BypassCookies: s.BypassWhenCookies,
	}
}

// ScriptURL returns the registration path and script type for the worker
// mode: a module script in development, classic in production.
func (w WorkerConfig) ScriptURL() (string, string) {
	if w.Mode == ModeDevelopment {
		return w.DevRegistrationPath, "module"
	}
	return w.RegistrationPath, "classic"
}

// NetworkTimeoutDuration is zero when the network is awaited without a budget.
func (w WorkerConfig) NetworkTimeoutDuration() time.Duration { return w.networkTimeout }

// LogStatsEvery is zero when periodic stats are disabled.
func (cfg Config) LogStatsEvery() time.Duration { return cfg.Logging.logStatsEveryDur }
