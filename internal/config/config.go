package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/opinionsim/internal/gateway"
	"github.com/opinionsim/internal/session"
)

// EnvPrefix prefixes every configuration environment variable. Nested keys
// are separated by a double underscore: OPINIONSIM_GENERAL__LOG_LEVEL.
const EnvPrefix = "OPINIONSIM_"

// BindingConfig is a provider/model pair with optional credential
type BindingConfig struct {
	Provider string `koanf:"provider"`
	Model    string `koanf:"model"`
	APIKey   string `koanf:"api_key"`
	BaseURL  string `koanf:"base_url"`
}

// AgentConfig declares one agent of the roster
type AgentConfig struct {
	ID            string `koanf:"id"`
	Name          string `koanf:"name"`
	Persona       string `koanf:"persona"`
	InitialStance *int   `koanf:"initial_stance"`
	BindingConfig `koanf:",squash"`
}

// VendorConfig holds vendor-level credentials and rate limits
type VendorConfig struct {
	APIKey            string  `koanf:"api_key"`
	BaseURL           string  `koanf:"base_url"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
	Burst             int     `koanf:"burst"`
}

// Config represents the application configuration
type Config struct {
	General struct {
		Topic       string   `koanf:"topic"`
		Rounds      int      `koanf:"rounds"`
		Mode        string   `koanf:"mode"`
		WindowSize  int      `koanf:"window_size"`
		ScaleSize   int      `koanf:"scale_size"`
		MaxAttempts int      `koanf:"max_attempts"`
		Temperature *float64 `koanf:"temperature"`
		MaxTokens   int      `koanf:"max_tokens"`
		LogLevel    string   `koanf:"log_level"`
		LogPretty   bool     `koanf:"log_pretty"`
		LogDir      string   `koanf:"log_dir"`
	} `koanf:"general"`

	Model BindingConfig `koanf:"model"`

	GlobalModel struct {
		Enabled       bool `koanf:"enabled"`
		BindingConfig `koanf:",squash"`
	} `koanf:"global_model"`

	Vendors map[string]VendorConfig       `koanf:"vendors"`
	Agents  []AgentConfig                 `koanf:"agents"`
	Trust   map[string]map[string]float64 `koanf:"trust"`

	Database struct {
		URL string `koanf:"url"`
	} `koanf:"database"`

	API struct {
		Port      int    `koanf:"port"`
		JWTSecret string `koanf:"jwt_secret"`
	} `koanf:"api"`

	Queue struct {
		MaxWorkers int `koanf:"max_workers"`
	} `koanf:"queue"`
}

// vendorKeyEnv maps providers to the conventional credential variables
var vendorKeyEnv = map[gateway.Provider]string{
	gateway.ProviderOpenAI:    "OPENAI_API_KEY",
	gateway.ProviderAnthropic: "ANTHROPIC_API_KEY",
	gateway.ProviderGemini:    "GOOGLE_API_KEY",
	gateway.ProviderCohere:    "COHERE_API_KEY",
}

func defaults() map[string]interface{} {
	d := session.DefaultConfig()
	return map[string]interface{}{
		"general.rounds":       d.MaxRounds,
		"general.mode":         string(d.Mode),
		"general.window_size":  d.WindowSize,
		"general.scale_size":   d.ScaleSize,
		"general.max_attempts": d.MaxAttempts,
		"general.log_level":    "info",
		"model.provider":       d.DefaultModel.Provider,
		"model.model":          d.DefaultModel.Model,
		"api.port":             8888,
		"queue.max_workers":    2,
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./opinionsim.toml", "$HOME/.opinionsim.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate validates the configuration
func Validate(config *Config) error {
	g := config.General
	if g.Rounds < 1 {
		return fmt.Errorf("general.rounds must be at least 1")
	}
	if g.WindowSize < 1 {
		return fmt.Errorf("general.window_size must be at least 1")
	}
	if g.ScaleSize < 3 {
		return fmt.Errorf("general.scale_size must be at least 3")
	}
	if g.MaxAttempts < 1 {
		return fmt.Errorf("general.max_attempts must be at least 1")
	}
	switch session.OrderMode(strings.ToLower(g.Mode)) {
	case session.OrderSequential, session.OrderRandom:
	default:
		return fmt.Errorf("general.mode must be %q or %q, got %q", session.OrderSequential, session.OrderRandom, g.Mode)
	}

	seen := make(map[string]bool, len(config.Agents))
	for i, a := range config.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d] has no id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	for source, row := range config.Trust {
		if !seen[source] {
			return fmt.Errorf("trust.%s refers to an unknown agent", source)
		}
		for target, w := range row {
			if !seen[target] {
				return fmt.Errorf("trust.%s.%s refers to an unknown agent", source, target)
			}
			if w < 0 || w > 1 {
				return fmt.Errorf("trust.%s.%s must be within [0, 1]", source, target)
			}
		}
	}
	return nil
}

func (b BindingConfig) binding() session.ModelBinding {
	return session.ModelBinding{
		Provider: b.Provider,
		Model:    b.Model,
		APIKey:   b.APIKey,
		BaseURL:  b.BaseURL,
	}
}

// SessionConfig converts the general settings into a run configuration
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Topic:        c.General.Topic,
		MaxRounds:    c.General.Rounds,
		Mode:         session.OrderMode(strings.ToLower(c.General.Mode)),
		WindowSize:   c.General.WindowSize,
		ScaleSize:    c.General.ScaleSize,
		MaxAttempts:  c.General.MaxAttempts,
		Temperature:  c.General.Temperature,
		MaxTokens:    c.General.MaxTokens,
		DefaultModel: c.Model.binding(),
		GlobalModel: session.GlobalModel{
			Enabled: c.GlobalModel.Enabled,
			Binding: c.GlobalModel.binding(),
		},
	}
}

// SessionAgents converts the configured roster
func (c *Config) SessionAgents() []session.Agent {
	agents := make([]session.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, session.Agent{
			ID:            a.ID,
			Name:          a.Name,
			Persona:       a.Persona,
			InitialStance: a.InitialStance,
			Model:         a.binding(),
		})
	}
	return agents
}

// NewState builds a session with the configured roster and trust weights
func (c *Config) NewState(id string) (*session.State, error) {
	st := session.NewState(id, c.SessionConfig())
	for _, a := range c.SessionAgents() {
		if err := st.AddAgent(a); err != nil {
			return nil, err
		}
	}
	for source, row := range c.Trust {
		for target, w := range row {
			if err := st.SetTrust(source, target, w); err != nil {
				return nil, fmt.Errorf("trust.%s.%s: %w", source, target, err)
			}
		}
	}
	return st, nil
}

// VendorKeys resolves the vendor-level credential of every provider,
// falling back to the conventional environment variables.
func (c *Config) VendorKeys() map[string]string {
	keys := make(map[string]string)
	for name, v := range c.Vendors {
		if v.APIKey != "" {
			keys[string(gateway.NormalizeProvider(name))] = v.APIKey
		}
	}
	for provider, envName := range vendorKeyEnv {
		if _, ok := keys[string(provider)]; ok {
			continue
		}
		if v := os.Getenv(envName); v != "" {
			keys[string(provider)] = v
		}
	}
	return keys
}

// GatewayOptions converts the vendor settings for the model gateway
func (c *Config) GatewayOptions() gateway.Options {
	keys := c.VendorKeys()
	vendors := make(map[gateway.Provider]gateway.Vendor, len(keys))
	for name, v := range c.Vendors {
		p := gateway.NormalizeProvider(name)
		vendors[p] = gateway.Vendor{
			APIKey:            keys[string(p)],
			BaseURL:           v.BaseURL,
			RequestsPerSecond: v.RequestsPerSecond,
			Burst:             v.Burst,
		}
	}
	for p, key := range keys {
		provider := gateway.Provider(p)
		if _, ok := vendors[provider]; !ok {
			vendors[provider] = gateway.Vendor{APIKey: key}
		}
	}
	return gateway.Options{Vendors: vendors}
}
