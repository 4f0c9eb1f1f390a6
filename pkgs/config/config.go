package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/kelseyhightower/envconfig"
)

const (
	// EnvConfigJSONPath is the env var that points to the JSON config file.
	EnvConfigJSONPath = "MAILREC_CONFIG_JSON"

	envPrefix   = "mailrec"
	tableFormat = `The selected account can be overridden via the environment. The following
environment variables can be used:

KEY	DEFAULT	REQUIRED	DESCRIPTION
{{range .}}{{usage_key .}}	{{usage_default .}}	{{usage_required .}}	{{usage_description .}}
{{end}}`
)

// Defaults applied to every account.
const (
	DefaultHost    = "localhost"
	DefaultPort    = 143
	DefaultConnect = "imap/notls"
	DefaultLogin   = "root"
	DefaultMailbox = "INBOX"
)

// AccountConfig holds one mailbox datasource.
//
// Connect uses the classic mailbox string flags: "imap" followed by any of
// "/ssl", "/tls", "/notls" and "/novalidate-cert".
type AccountConfig struct {
	Name     string `json:"name"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Connect  string `json:"connect"`
	Login    string `json:"login"`
	Password string `json:"password,omitempty"`
	Mailbox  string `json:"mailbox"`

	// Auth selects "login" (default) or "plain" SASL authentication.
	Auth string `json:"auth,omitempty"`

	// Mbox reads a local mbox file instead of an IMAP server.
	Mbox string `json:"mbox,omitempty"`

	// Workers bounds concurrent body assembly; FetchRate throttles FETCH
	// commands per second. Zero values mean sequential and unlimited.
	Workers   int     `json:"workers,omitempty"`
	FetchRate float64 `json:"fetch_rate,omitempty"`
}

// ConnectMode is the parsed form of AccountConfig.Connect.
type ConnectMode struct {
	SSL                bool
	StartTLS           bool
	InsecureSkipVerify bool
}

// ParseConnect parses a connect string such as "imap/ssl/novalidate-cert".
func ParseConnect(connect string) (ConnectMode, error) {
	var mode ConnectMode
	if connect == "" {
		connect = DefaultConnect
	}
	flags := strings.Split(strings.ToLower(connect), "/")
	switch flags[0] {
	case "imap", "imap4", "imap4rev1":
	default:
		return mode, fmt.Errorf("unsupported service %q in connect string", flags[0])
	}
	for _, f := range flags[1:] {
		switch f {
		case "ssl":
			mode.SSL = true
		case "tls":
			mode.StartTLS = true
		case "notls":
			mode.StartTLS = false
		case "novalidate-cert":
			mode.InsecureSkipVerify = true
		case "validate-cert", "secure", "":
		default:
			return mode, fmt.Errorf("unknown connect flag %q", f)
		}
	}
	return mode, nil
}

// ApplyDefaults fills unset connection settings.
func (a *AccountConfig) ApplyDefaults() {
	if a.Host == "" {
		a.Host = DefaultHost
	}
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.Connect == "" {
		a.Connect = DefaultConnect
	}
	if a.Login == "" {
		a.Login = DefaultLogin
	}
	if a.Mailbox == "" {
		a.Mailbox = DefaultMailbox
	}
}

// Config holds the application configuration
//
// accounts is a map keyed by account name.
// default_account selects the account when none is specified.
type Config struct {
	Accounts       map[string]AccountConfig `json:"accounts"`
	DefaultAccount string                   `json:"default_account,omitempty"`
	LogLevel       string                   `json:"log_level,omitempty"`
}

// RootConfig wraps the app config.
type RootConfig struct {
	Mail Config `json:"mail"`
}

// Overrides are read from MAILREC_* environment variables and win over the
// file settings of the selected account.
type Overrides struct {
	Account  string `desc:"Account name to use when none is given"`
	LogLevel string `split_words:"true" desc:"debug, info, warn or error"`
	Host     string `desc:"IMAP server host"`
	Port     int    `desc:"IMAP server port"`
	Login    string `desc:"IMAP login name"`
	Password string `desc:"IMAP password"`
	Mailbox  string `desc:"Mailbox to select"`
	Workers  int    `desc:"Concurrent body fetches"`
}

// ProcessEnv loads overrides from the environment.
func ProcessEnv() (*Overrides, error) {
	o := &Overrides{}
	if err := envconfig.Process(envPrefix, o); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return o, nil
}

// Usage prints the environment overrides table to w.
func Usage(w io.Writer) error {
	tabs := tabwriter.NewWriter(w, 1, 0, 4, ' ', 0)
	if err := envconfig.Usagef(envPrefix, &Overrides{}, tabs, tableFormat); err != nil {
		return err
	}
	return tabs.Flush()
}

// Apply copies the set overrides onto a.
func (o *Overrides) Apply(a *AccountConfig) {
	if o == nil {
		return
	}
	if o.Host != "" {
		a.Host = o.Host
	}
	if o.Port != 0 {
		a.Port = o.Port
	}
	if o.Login != "" {
		a.Login = o.Login
	}
	if o.Password != "" {
		a.Password = o.Password
	}
	if o.Mailbox != "" {
		a.Mailbox = o.Mailbox
	}
	if o.Workers != 0 {
		a.Workers = o.Workers
	}
}

// LoadConfig reads the JSON file named by EnvConfigJSONPath.
func LoadConfig() (*Config, error) {
	path, err := GetEnvConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadConfigFile(path)
}

// LoadConfigFile loads configuration from a JSON file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseRootConfig(data)
}

// SaveConfig saves configuration to a JSON file path.
func SaveConfig(path string, root *RootConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetEnvConfigPath returns the config file path from EnvConfigJSONPath.
func GetEnvConfigPath() (string, error) {
	path := strings.TrimSpace(os.Getenv(EnvConfigJSONPath))
	if path == "" {
		return "", fmt.Errorf("%s is not set", EnvConfigJSONPath)
	}
	return path, nil
}

// GetAccount returns an account by name with defaults applied.
func (c *Config) GetAccount(identifier string) (*AccountConfig, error) {
	if len(c.Accounts) == 0 {
		return nil, fmt.Errorf("no accounts configured")
	}

	if identifier == "" {
		if c.DefaultAccount != "" {
			identifier = c.DefaultAccount
		} else {
			// Deterministic fallback to the first key
			keys := make([]string, 0, len(c.Accounts))
			for k := range c.Accounts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			identifier = keys[0]
		}
	}

	acc, ok := c.Accounts[identifier]
	if !ok {
		found := false
		for name, a := range c.Accounts {
			if a.Name == identifier {
				acc, identifier, found = a, name, true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("account not found: %s", identifier)
		}
	}
	if acc.Name == "" {
		acc.Name = identifier
	}
	acc.ApplyDefaults()
	return &acc, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	for name, acc := range c.Accounts {
		if acc.Name == "" {
			acc.Name = name
		}
		if acc.Mbox != "" {
			continue
		}
		if _, err := ParseConnect(acc.Connect); err != nil {
			return fmt.Errorf("account %s: %w", acc.Name, err)
		}
		if acc.Port < 0 || acc.Port > 65535 {
			return fmt.Errorf("account %s: invalid port %d", acc.Name, acc.Port)
		}
		if acc.Workers < 0 {
			return fmt.Errorf("account %s: workers must not be negative", acc.Name)
		}
	}

	if c.DefaultAccount != "" {
		if _, ok := c.Accounts[c.DefaultAccount]; !ok {
			return fmt.Errorf("default_account not found: %s", c.DefaultAccount)
		}
	}

	return nil
}

// ExampleRootConfig returns an example configuration for "init".
func ExampleRootConfig() *RootConfig {
	return &RootConfig{
		Mail: Config{
			DefaultAccount: "work",
			LogLevel:       "info",
			Accounts: map[string]AccountConfig{
				"work": {
					Name:    "Work Account",
					Host:    "imap.example.com",
					Port:    993,
					Connect: "imap/ssl",
					Login:   "user@example.com",
					Mailbox: DefaultMailbox,
					Workers: 4,
				},
				"local": {
					Name:    "Local Server",
					Host:    DefaultHost,
					Port:    DefaultPort,
					Connect: DefaultConnect,
					Login:   DefaultLogin,
					Mailbox: DefaultMailbox,
				},
				"archive": {
					Name: "Archive",
					Mbox: "/var/mail/archive.mbox",
				},
			},
		},
	}
}

// --- internal helpers ---

func parseRootConfig(data []byte) (*Config, error) {
	var root RootConfig
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &root.Mail
	if cfg.Accounts == nil {
		return nil, fmt.Errorf("missing required key: mail.accounts")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
