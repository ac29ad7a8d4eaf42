package undelete

import (
	"errors"
	"fmt"
	"strings"

	"undelete/internal/backend"
)

const (
	// DefaultTrashPrefix is prepended to a container name to derive the
	// trash container holding its deleted objects.
	DefaultTrashPrefix = ".trash-"

	// DefaultTrashLifetime is how long trash copies are kept, in seconds.
	DefaultTrashLifetime = 86400 * 90

	// DefaultMaxNameLength mirrors the backend's container and account
	// name limits. A derived trash name longer than this fails the delete
	// deterministically rather than being truncated, since truncation
	// could collide two distinct source containers.
	DefaultMaxNameLength = 256
)

// Config controls the undelete filter. It is immutable once the filter is
// constructed.
type Config struct {
	// Enabled turns interception on globally. Individual accounts and
	// containers can override it via Overrides.
	Enabled bool `toml:"enabled"`

	// DisableDeletes refuses every object-level DELETE with 405. An
	// operator switch for when the backend is too full to trash anything;
	// pair with AllowFilter so DELETE stops being advertised.
	DisableDeletes bool `toml:"disable_deletes"`

	// BlockTrashDeletes selects fail-closed behavior: a DELETE whose trash
	// copy cannot be made is refused. When false the DELETE proceeds
	// without a trash copy, which is deliberate, lossy, and visible only
	// in logs and metrics.
	BlockTrashDeletes bool `toml:"block_trash_deletes"`

	// TrashPrefix derives the trash container name from the source
	// container name. The mapping must stay reversible for recovery
	// tooling, so the prefix is prepended verbatim.
	TrashPrefix string `toml:"trash_prefix"`

	// TrashLifetime is the X-Delete-After value, in seconds, applied to
	// trash copies. Zero keeps them until purged externally.
	TrashLifetime int64 `toml:"trash_lifetime"`

	// AccountPrefix, when non-empty, stores trash in a dedicated account
	// derived by prepending it to the source account. Requires a backend
	// with cross-account copy support.
	AccountPrefix string `toml:"account_prefix"`

	// TimestampNames appends a timestamp token to trash object names so
	// repeated deletes of the same name do not overwrite earlier copies.
	TimestampNames bool `toml:"timestamp_names"`

	// Overrides enables or disables interception per scope. Keys are
	// either "account" or "account/container"; the container-level entry
	// wins over the account-level one, which wins over Enabled.
	Overrides map[string]bool `toml:"overrides"`

	// MaxNameLength bounds derived account and container names.
	MaxNameLength int `toml:"max_name_length"`
}

// DefaultConfig returns the filter defaults: enabled, fail-closed,
// same-account trash with the standard prefix and a 90-day lifetime.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		BlockTrashDeletes: true,
		TrashPrefix:       DefaultTrashPrefix,
		TrashLifetime:     DefaultTrashLifetime,
		MaxNameLength:     DefaultMaxNameLength,
	}
}

// Validate checks the configuration against the backend's capabilities.
// It fails fast at construction time so an unsupported policy never makes
// it into the request path.
func (c Config) Validate(caps backend.Capabilities) error {
	if c.TrashPrefix == "" {
		return errors.New("trash_prefix must not be empty")
	}
	if strings.Contains(c.TrashPrefix, "/") {
		return fmt.Errorf("trash_prefix %q must not contain '/'", c.TrashPrefix)
	}
	if strings.Contains(c.AccountPrefix, "/") {
		return fmt.Errorf("account_prefix %q must not contain '/'", c.AccountPrefix)
	}
	if c.AccountPrefix != "" && !caps.CrossAccountCopy {
		return errors.New("account_prefix requires a backend with cross-account copy support")
	}
	if c.TrashLifetime < 0 {
		return errors.New("trash_lifetime must not be negative")
	}
	if c.MaxNameLength <= len(c.TrashPrefix) {
		return fmt.Errorf("max_name_length %d leaves no room for container names", c.MaxNameLength)
	}
	return nil
}

// enabledFor resolves the interception policy for one request's scope.
func (c Config) enabledFor(account string, container string) bool {
	if v, ok := c.Overrides[account+"/"+container]; ok {
		return v
	}
	if v, ok := c.Overrides[account]; ok {
		return v
	}
	return c.Enabled
}
