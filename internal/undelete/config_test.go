package undelete

import (
	"testing"

	"undelete/internal/backend"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	require.True(t, cfg.Enabled)
	require.True(t, cfg.BlockTrashDeletes, "the default must fail closed")
	require.False(t, cfg.DisableDeletes)
	require.Equal(t, ".trash-", cfg.TrashPrefix)
	require.Equal(t, int64(86400*90), cfg.TrashLifetime)
	require.Empty(t, cfg.AccountPrefix)
	require.Equal(t, 256, cfg.MaxNameLength)

	require.NoError(t, cfg.Validate(backend.Capabilities{}))
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		caps    backend.Capabilities
		wantErr string
	}{
		{
			name:    "empty trash prefix",
			mutate:  func(c *Config) { c.TrashPrefix = "" },
			wantErr: "trash_prefix",
		},
		{
			name:    "slash in trash prefix",
			mutate:  func(c *Config) { c.TrashPrefix = "trash/" },
			wantErr: "must not contain",
		},
		{
			name:    "slash in account prefix",
			mutate:  func(c *Config) { c.AccountPrefix = "trash/" },
			caps:    backend.Capabilities{CrossAccountCopy: true},
			wantErr: "must not contain",
		},
		{
			name:    "account prefix without capability",
			mutate:  func(c *Config) { c.AccountPrefix = ".trash" },
			wantErr: "cross-account",
		},
		{
			name:   "account prefix with capability",
			mutate: func(c *Config) { c.AccountPrefix = ".trash" },
			caps:   backend.Capabilities{CrossAccountCopy: true},
		},
		{
			name:    "negative lifetime",
			mutate:  func(c *Config) { c.TrashLifetime = -1 },
			wantErr: "trash_lifetime",
		},
		{
			name:    "name limit smaller than prefix",
			mutate:  func(c *Config) { c.MaxNameLength = 5 },
			wantErr: "max_name_length",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := DefaultConfig()
			tc.mutate(&cfg)

			err := cfg.Validate(tc.caps)
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestEnabledFor(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Overrides = map[string]bool{
		"a":     false,
		"a/pix": true,
		"b/tmp": false,
	}

	require.False(t, cfg.enabledFor("a", "docs"), "account override applies")
	require.True(t, cfg.enabledFor("a", "pix"), "container override beats account override")
	require.False(t, cfg.enabledFor("b", "tmp"))
	require.True(t, cfg.enabledFor("b", "docs"), "unmatched scopes use the global setting")

	cfg.Enabled = false
	require.False(t, cfg.enabledFor("c", "docs"))
	require.True(t, cfg.enabledFor("a", "pix"), "overrides still win when globally disabled")
}
