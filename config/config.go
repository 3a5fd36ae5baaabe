// Package config loads the gateway's configuration from environment
// variables exactly once at startup. The resulting Config is read-only
// for the remainder of the process lifetime.
package config

import (
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// AuthKind tags which credential an AuthMethod carries.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthPassword
	AuthKeyFile
	AuthKeyData
)

func (k AuthKind) String() string {
	switch k {
	case AuthPassword:
		return "password"
	case AuthKeyFile:
		return "key_file"
	case AuthKeyData:
		return "key_data"
	default:
		return "none"
	}
}

// AuthMethod is the tagged variant described in spec §3: password, a key
// file on disk, inline key data, or no pre-configured credential at all.
type AuthMethod struct {
	Kind       AuthKind
	Password   string
	KeyPath    string
	KeyData    string
	Passphrase string
}

// Config is the immutable, process-wide configuration record.
type Config struct {
	Port         int
	WorkspaceDir string
	MaxTerminals int
	IdleTimeout  int // seconds
	Host         string
	SSHPort      int
	User         string
	Auth         AuthMethod
	StaticDir    string
}

// rawEnv mirrors the environment variables documented in spec §6. envconfig
// fills in the documented defaults; AuthMethod precedence (key data > key
// file > password > none) is resolved by hand afterward because it can't be
// expressed as a single struct tag.
type rawEnv struct {
	Port            int    `envconfig:"PORT" default:"2222"`
	WorkspaceDir    string `envconfig:"WORKSPACE_DIR"`
	MaxTerminals    int    `envconfig:"MAX_TERMINALS" default:"10"`
	IdleTimeoutSecs int    `envconfig:"IDLE_TIMEOUT" default:"3600"`
	Host            string `envconfig:"WEBSHELL_HOST"`
	SSHPort         int    `envconfig:"WEBSHELL_PORT" default:"22"`
	User            string `envconfig:"WEBSHELL_USER"`
	Password        string `envconfig:"WEBSHELL_PASSWORD"`
	SSHKeyPath      string `envconfig:"WEBSHELL_SSH_KEY"`
	SSHKeyData      string `envconfig:"WEBSHELL_SSH_KEY_DATA"`
	SSHPassphrase   string `envconfig:"WEBSHELL_SSH_PASSPHRASE"`
	StaticDir       string `envconfig:"WEBSHELL_STATIC_DIR" default:"./static"`
}

// Load reads the process environment into a Config, applying the defaults
// documented in spec §4.6/§6.
func Load() (*Config, error) {
	var raw rawEnv
	if err := envconfig.Process("", &raw); err != nil {
		return nil, err
	}
	return fromRaw(raw), nil
}

func fromRaw(raw rawEnv) *Config {
	workspace := raw.WorkspaceDir
	if workspace == "" {
		workspace = os.Getenv("HOME")
	}
	if workspace == "" {
		workspace = "/tmp"
	}

	return &Config{
		Port:         raw.Port,
		WorkspaceDir: workspace,
		MaxTerminals: raw.MaxTerminals,
		IdleTimeout:  raw.IdleTimeoutSecs,
		Host:         raw.Host,
		SSHPort:      raw.SSHPort,
		User:         raw.User,
		Auth:         resolveAuth(raw),
		StaticDir:    raw.StaticDir,
	}
}

func resolveAuth(raw rawEnv) AuthMethod {
	passphrase := raw.SSHPassphrase

	switch {
	case raw.SSHKeyData != "":
		return AuthMethod{Kind: AuthKeyData, KeyData: raw.SSHKeyData, Passphrase: passphrase}
	case raw.SSHKeyPath != "":
		return AuthMethod{Kind: AuthKeyFile, KeyPath: raw.SSHKeyPath, Passphrase: passphrase}
	case raw.Password != "":
		return AuthMethod{Kind: AuthPassword, Password: raw.Password}
	default:
		return AuthMethod{Kind: AuthNone}
	}
}

// IsLocal reports whether the configured target resolves to the local host,
// per spec §4.6: absent host, or localhost/127.0.0.1/127.*.
func (c *Config) IsLocal() bool {
	return IsLocalHost(c.Host)
}

// IsLocalHost applies the same local/remote rule as IsLocal to an arbitrary
// host string, so a per-request override (e.g. handleLogin's request body
// host) is classified identically to the configured default.
func IsLocalHost(host string) bool {
	if host == "" {
		return true
	}
	return host == "localhost" || host == "127.0.0.1" || strings.HasPrefix(host, "127.")
}

// AutoLogin reports whether the UI should skip the login form: a username is
// pre-configured and an auth method is set.
func (c *Config) AutoLogin() bool {
	return c.User != "" && c.Auth.Kind != AuthNone
}
