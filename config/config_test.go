package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAuthPrecedence(t *testing.T) {
	cases := []struct {
		name string
		raw  rawEnv
		want AuthKind
	}{
		{"none", rawEnv{}, AuthNone},
		{"password", rawEnv{Password: "hunter2"}, AuthPassword},
		{"key file", rawEnv{SSHKeyPath: "/home/u/.ssh/id_ed25519"}, AuthKeyFile},
		{"key data", rawEnv{SSHKeyData: "-----BEGIN..."}, AuthKeyData},
		{
			"key data wins over key file and password",
			rawEnv{SSHKeyData: "data", SSHKeyPath: "/path", Password: "pw"},
			AuthKeyData,
		},
		{
			"key file wins over password",
			rawEnv{SSHKeyPath: "/path", Password: "pw"},
			AuthKeyFile,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := resolveAuth(tc.raw)
			assert.Equal(t, tc.want, got.Kind)
		})
	}
}

func TestFromRawWorkspaceFallback(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	raw := rawEnv{Port: 2222, MaxTerminals: 10, IdleTimeoutSecs: 3600, SSHPort: 22}
	cfg := fromRaw(raw)
	require.Equal(t, "/home/tester", cfg.WorkspaceDir)

	raw.WorkspaceDir = "/srv/work"
	cfg = fromRaw(raw)
	require.Equal(t, "/srv/work", cfg.WorkspaceDir)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, (&Config{}).IsLocal())
	assert.True(t, (&Config{Host: "localhost"}).IsLocal())
	assert.True(t, (&Config{Host: "127.0.0.1"}).IsLocal())
	assert.True(t, (&Config{Host: "127.5.5.5"}).IsLocal())
	assert.False(t, (&Config{Host: "example.com"}).IsLocal())
}

func TestIsLocalHostMatchesIsLocal(t *testing.T) {
	assert.True(t, IsLocalHost(""))
	assert.True(t, IsLocalHost("localhost"))
	assert.True(t, IsLocalHost("127.0.0.1"))
	assert.True(t, IsLocalHost("127.5.5.5"))
	assert.False(t, IsLocalHost("example.com"))
}

func TestAutoLogin(t *testing.T) {
	assert.False(t, (&Config{}).AutoLogin())
	assert.False(t, (&Config{User: "alice"}).AutoLogin())
	assert.True(t, (&Config{User: "alice", Auth: AuthMethod{Kind: AuthPassword}}).AutoLogin())
}

func TestAuthKindString(t *testing.T) {
	assert.Equal(t, "none", AuthNone.String())
	assert.Equal(t, "password", AuthPassword.String())
	assert.Equal(t, "key_file", AuthKeyFile.String())
	assert.Equal(t, "key_data", AuthKeyData.String())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("WORKSPACE_DIR", "/data")
	t.Setenv("MAX_TERMINALS", "5")
	t.Setenv("IDLE_TIMEOUT", "60")
	t.Setenv("WEBSHELL_HOST", "10.0.0.5")
	t.Setenv("WEBSHELL_PORT", "2200")
	t.Setenv("WEBSHELL_USER", "deploy")
	t.Setenv("WEBSHELL_PASSWORD", "secret")
	t.Setenv("WEBSHELL_STATIC_DIR", "/var/www")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/data", cfg.WorkspaceDir)
	assert.Equal(t, 5, cfg.MaxTerminals)
	assert.Equal(t, 60, cfg.IdleTimeout)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 2200, cfg.SSHPort)
	assert.Equal(t, "deploy", cfg.User)
	assert.Equal(t, AuthPassword, cfg.Auth.Kind)
	assert.Equal(t, "/var/www", cfg.StaticDir)
	assert.False(t, cfg.IsLocal())
	assert.True(t, cfg.AutoLogin())
}
