package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Well-known API names
const (
	APIGateway       = "map-service"
	APIBroker        = "map-private"
	APIWindowManager = "windowmanager"
	APIUI            = "map-ui"
)

// Subscribe scopes of the broker's map_created subscription
const (
	// ScopeProcess arms the subscription once per broker process
	ScopeProcess = "process"
	// ScopeApplication arms it once per application identity
	ScopeApplication = "application"
)

// Duration is a time.Duration written as a string ("5s") in config files
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds the settings of every process of the map service. A process
// reads the shared sections plus its own.
type Config struct {
	Log         LogConfig         `json:"log" yaml:"log" toml:"log"`
	CallTimeout Duration          `json:"call_timeout" yaml:"call_timeout" toml:"call_timeout"`
	Endpoints   map[string]string `json:"endpoints" yaml:"endpoints" toml:"endpoints"`
	CAFile      string            `json:"ca_file" yaml:"ca_file" toml:"ca_file"`

	// ProbeInterval is how often peer endpoints are dialed. Zero
	// disables probing.
	ProbeInterval Duration `json:"probe_interval" yaml:"probe_interval" toml:"probe_interval"`

	Broker        BrokerConfig        `json:"broker" yaml:"broker" toml:"broker"`
	Gateway       GatewayConfig       `json:"gateway" yaml:"gateway" toml:"gateway"`
	WindowManager WindowManagerConfig `json:"window_manager" yaml:"window_manager" toml:"window_manager"`
	UI            UIConfig            `json:"ui" yaml:"ui" toml:"ui"`
}

type LogConfig struct {
	Level string `json:"level" yaml:"level" toml:"level"`
	JSON  bool   `json:"json" yaml:"json" toml:"json"`
}

// BrokerConfig configures the surface broker
type BrokerConfig struct {
	API        string `json:"api" yaml:"api" toml:"api"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	AdminAddr  string `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr"`
	DataDir    string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`

	WindowManagerAPI string `json:"window_manager_api" yaml:"window_manager_api" toml:"window_manager_api"`
	AttachVerb       string `json:"attach_verb" yaml:"attach_verb" toml:"attach_verb"`
	LabelPrefix      string `json:"label_prefix" yaml:"label_prefix" toml:"label_prefix"`
	SubscribeScope   string `json:"subscribe_scope" yaml:"subscribe_scope" toml:"subscribe_scope"`

	// UIAPI and UIVerb receive the create-surface instruction. When UIAPI
	// is empty the broker reports the surface to itself.
	UIAPI string `json:"ui_api" yaml:"ui_api" toml:"ui_api"`
	UIVerb string `json:"ui_verb" yaml:"ui_verb" toml:"ui_verb"`

	AttachmentTTL Duration `json:"attachment_ttl" yaml:"attachment_ttl" toml:"attachment_ttl"`
	PruneInterval Duration `json:"prune_interval" yaml:"prune_interval" toml:"prune_interval"`
}

// GatewayConfig configures the public gateway
type GatewayConfig struct {
	API        string `json:"api" yaml:"api" toml:"api"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	AdminAddr  string `json:"admin_addr" yaml:"admin_addr" toml:"admin_addr"`
	BrokerAPI  string `json:"broker_api" yaml:"broker_api" toml:"broker_api"`

	// PropagateBrokerFailure replies the broker's failure to the
	// application instead of logging it.
	PropagateBrokerFailure bool     `json:"propagate_broker_failure" yaml:"propagate_broker_failure" toml:"propagate_broker_failure"`
	ReconnectDelay         Duration `json:"reconnect_delay" yaml:"reconnect_delay" toml:"reconnect_delay"`
}

type WindowManagerConfig struct {
	API        string `json:"api" yaml:"api" toml:"api"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
}

// UIConfig configures the UI agent
type UIConfig struct {
	API        string `json:"api" yaml:"api" toml:"api"`
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" toml:"listen_addr"`
	BrokerAPI  string `json:"broker_api" yaml:"broker_api" toml:"broker_api"`

	// ReconnectDelay is the wait before following the broker's requests
	// again after the event stream ended.
	ReconnectDelay Duration `json:"reconnect_delay" yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// Default returns a configuration running every process on localhost
func Default() Config {
	return Config{
		Log:           LogConfig{Level: "info"},
		CallTimeout:   Duration(5 * time.Second),
		ProbeInterval: Duration(15 * time.Second),
		Endpoints: map[string]string{
			APIGateway:       "127.0.0.1:7700",
			APIBroker:        "127.0.0.1:7701",
			APIWindowManager: "127.0.0.1:7702",
			APIUI:            "127.0.0.1:7703",
		},
		Broker: BrokerConfig{
			API:              APIBroker,
			ListenAddr:       "127.0.0.1:7701",
			AdminAddr:        "127.0.0.1:9091",
			DataDir:          "./data",
			WindowManagerAPI: APIWindowManager,
			AttachVerb:       "attachSurfaceToApp",
			LabelPrefix:      "map-",
			SubscribeScope:   ScopeProcess,
			UIAPI:            APIUI,
			UIVerb:           "create_surface",
			AttachmentTTL:    Duration(5 * time.Minute),
			PruneInterval:    Duration(time.Minute),
		},
		Gateway: GatewayConfig{
			API:            APIGateway,
			ListenAddr:     "127.0.0.1:7700",
			AdminAddr:      "127.0.0.1:9090",
			BrokerAPI:      APIBroker,
			ReconnectDelay: Duration(2 * time.Second),
		},
		WindowManager: WindowManagerConfig{
			API:        APIWindowManager,
			ListenAddr: "127.0.0.1:7702",
		},
		UI: UIConfig{
			API:            APIUI,
			ListenAddr:     "127.0.0.1:7703",
			BrokerAPI:      APIBroker,
			ReconnectDelay: Duration(2 * time.Second),
		},
	}
}

// Load reads a configuration file over the defaults. The format follows
// the extension: .yaml/.yml, .json or .toml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values a process cannot start without
func (c Config) Validate() error {
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive")
	}
	for _, api := range []struct{ field, name string }{
		{"broker.api", c.Broker.API},
		{"broker.window_manager_api", c.Broker.WindowManagerAPI},
		{"broker.attach_verb", c.Broker.AttachVerb},
		{"gateway.api", c.Gateway.API},
		{"gateway.broker_api", c.Gateway.BrokerAPI},
		{"window_manager.api", c.WindowManager.API},
		{"ui.api", c.UI.API},
		{"ui.broker_api", c.UI.BrokerAPI},
	} {
		if api.name == "" {
			return fmt.Errorf("%s is required", api.field)
		}
	}
	switch c.Broker.SubscribeScope {
	case ScopeProcess, ScopeApplication:
	default:
		return fmt.Errorf("broker.subscribe_scope must be %q or %q, got %q",
			ScopeProcess, ScopeApplication, c.Broker.SubscribeScope)
	}
	if c.Broker.UIAPI != "" && c.Broker.UIVerb == "" {
		return fmt.Errorf("broker.ui_verb is required when broker.ui_api is set")
	}
	if c.Broker.AttachmentTTL < 0 || c.Broker.PruneInterval < 0 {
		return fmt.Errorf("broker attachment_ttl and prune_interval cannot be negative")
	}
	if c.ProbeInterval < 0 {
		return fmt.Errorf("probe_interval cannot be negative")
	}
	if c.Gateway.ReconnectDelay <= 0 {
		return fmt.Errorf("gateway.reconnect_delay must be positive")
	}
	if c.UI.ReconnectDelay <= 0 {
		return fmt.Errorf("ui.reconnect_delay must be positive")
	}
	return nil
}
