package undelete

import (
	"errors"
	"strings"
	"testing"
	"time"

	"undelete/internal/backend"

	"github.com/stretchr/testify/require"
)

func TestTrashContainerDerivation(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	require.Equal(t, ".trash-cats", cfg.trashContainer("cats"))
	require.Equal(t, ".trash-cats-versions", cfg.versionsContainer("cats"))

	// The prefix is prepended verbatim, so distinct sources always map to
	// distinct trash containers.
	require.NotEqual(t, cfg.trashContainer("a-b"), cfg.trashContainer("ab"))

	require.True(t, cfg.isTrashContainer(".trash-cats"))
	require.True(t, cfg.isTrashContainer(".trash-cats-versions"))
	require.False(t, cfg.isTrashContainer("cats"))
}

func TestParseTrashContainer(t *testing.T) {
	t.Parallel()

	source, ok := ParseTrashContainer(".trash-", ".trash-cats")
	require.True(t, ok)
	require.Equal(t, "cats", source)

	_, ok = ParseTrashContainer(".trash-", "cats")
	require.False(t, ok)

	_, ok = ParseTrashContainer(".trash-", ".trash-")
	require.False(t, ok)

	_, ok = ParseTrashContainer(".trash-", ".trash-cats-versions")
	require.False(t, ok, "versions companions are not recoverable containers")
}

func TestVersionsSuffixedContainerCollides(t *testing.T) {
	t.Parallel()

	// A source container named like a versions companion shares its trash
	// container with the base container's companion and cannot be parsed
	// back. Documented caveat of the naming scheme.
	cfg := DefaultConfig()
	require.Equal(t, cfg.versionsContainer("docs"), cfg.trashContainer("docs-versions"))

	_, ok := ParseTrashContainer(cfg.TrashPrefix, cfg.trashContainer("docs-versions"))
	require.False(t, ok)
}

func TestTrashObjectNameRoundTrip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	now := time.Unix(0, 0x1234abcd).UTC()

	require.Equal(t, "kittens.jpg", cfg.trashObjectName("kittens.jpg", now), "timestamping is off by default")

	cfg.TimestampNames = true
	name := cfg.trashObjectName("kittens.jpg", now)
	require.Equal(t, "kittens.jpg-000000001234abcd", name)

	source, deleted, ok := ParseTrashObjectName(name)
	require.True(t, ok)
	require.Equal(t, "kittens.jpg", source)
	require.Equal(t, now, deleted.UTC())

	_, _, ok = ParseTrashObjectName("short")
	require.False(t, ok)

	_, _, ok = ParseTrashObjectName("no-token-here-but-long-enough")
	require.False(t, ok)
}

func TestTrashLocationNameLimits(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	now := time.Now()

	dst, err := cfg.trashLocation(backend.Location{Account: "a", Container: "cats", Object: "o"}, now)
	require.NoError(t, err)
	require.Equal(t, backend.Location{Account: "a", Container: ".trash-cats", Object: "o"}, dst)

	// A container whose derived versions companion exceeds the limit must
	// fail rather than be truncated into a potentially colliding name.
	long := strings.Repeat("c", cfg.MaxNameLength-len(cfg.TrashPrefix)-len(versionsSuffix)+1)
	_, err = cfg.trashLocation(backend.Location{Account: "a", Container: long, Object: "o"}, now)
	require.Error(t, err)

	var perr *TrashProvisioningError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, backend.ErrNameTooLong, errorKind(err))

	// One byte shorter fits.
	fits := long[:len(long)-1]
	_, err = cfg.trashLocation(backend.Location{Account: "a", Container: fits, Object: "o"}, now)
	require.NoError(t, err)
}

func TestTrashLocationAccountLimit(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AccountPrefix = ".trash"

	account := strings.Repeat("a", cfg.MaxNameLength-len(cfg.AccountPrefix)+1)
	_, err := cfg.trashLocation(backend.Location{Account: account, Container: "c", Object: "o"}, time.Now())
	require.Error(t, err)
	require.Equal(t, backend.ErrNameTooLong, errorKind(err))
}

func TestErrorKindFallsBackToOther(t *testing.T) {
	t.Parallel()

	require.Equal(t, backend.ErrOther, errorKind(errors.New("plain")))
	require.Equal(t, backend.ErrNotFound, errorKind(&TrashCopyError{Err: &backend.Error{Kind: backend.ErrNotFound}}))
}
