package undelete

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"undelete/internal/backend"
)

// versionsSuffix names the companion container that a versioning-capable
// backend uses to retain overwritten trash copies.
const versionsSuffix = "-versions"

// timestampTokenLen is the length of the "-<16 hex digits>" token appended
// to trash object names when TimestampNames is on.
const timestampTokenLen = 17

// trashAccount derives the account holding a source account's trash.
func (c Config) trashAccount(account string) string {
	return c.AccountPrefix + account
}

// trashContainer derives the trash container for a source container. The
// prefix is prepended verbatim, which keeps the mapping injective and
// reversible: no two source containers share a trash container, and
// stripping the prefix recovers the source name.
func (c Config) trashContainer(container string) string {
	return c.TrashPrefix + container
}

// versionsContainer derives the companion versions container.
func (c Config) versionsContainer(container string) string {
	return c.trashContainer(container) + versionsSuffix
}

// isTrashContainer reports whether a container is itself a trash (or trash
// versions) container. Deletes inside trash containers pass through
// uncopied, otherwise purging the trash would re-trash every object.
func (c Config) isTrashContainer(container string) bool {
	return strings.HasPrefix(container, c.TrashPrefix)
}

// ParseTrashContainer recovers the source container from a trash container
// name. It returns false for names that do not carry the prefix and for
// companion versions containers.
func ParseTrashContainer(prefix string, container string) (string, bool) {
	if !strings.HasPrefix(container, prefix) {
		return "", false
	}
	source := strings.TrimPrefix(container, prefix)
	if source == "" || strings.HasSuffix(source, versionsSuffix) {
		return "", false
	}
	return source, true
}

// trashObjectName derives the name a deleted object is stored under. With
// TimestampNames off the source name is used as-is, so a later delete of
// the same name overwrites the earlier copy. With it on, a fixed-width
// "-<16 hex digit nanosecond timestamp>" token is appended; recovery
// tooling strips the trailing timestampTokenLen bytes to get the source
// name back.
func (c Config) trashObjectName(object string, now time.Time) string {
	if !c.TimestampNames {
		return object
	}
	return fmt.Sprintf("%s-%016x", object, now.UnixNano())
}

// ParseTrashObjectName recovers the source object name and deletion time
// from a timestamped trash object name.
func ParseTrashObjectName(name string) (string, time.Time, bool) {
	if len(name) <= timestampTokenLen {
		return "", time.Time{}, false
	}
	cut := len(name) - timestampTokenLen
	if name[cut] != '-' {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(name[cut+1:], 16, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return name[:cut], time.Unix(0, nanos), true
}

// trashLocation derives the full trash destination for a source object and
// validates the derived names against the backend limits. Over-long names
// fail here, deterministically, instead of being truncated into a name
// that could collide with another container's trash.
func (c Config) trashLocation(src backend.Location, now time.Time) (backend.Location, error) {
	dst := backend.Location{
		Account:   c.trashAccount(src.Account),
		Container: c.trashContainer(src.Container),
		Object:    c.trashObjectName(src.Object, now),
	}

	if len(dst.Account) > c.MaxNameLength {
		return backend.Location{}, &TrashProvisioningError{
			Location: dst,
			Err:      nameTooLong("account", dst.Account, c.MaxNameLength),
		}
	}

	// The versions companion is the longest name we will create.
	if len(dst.Container)+len(versionsSuffix) > c.MaxNameLength {
		return backend.Location{}, &TrashProvisioningError{
			Location: dst,
			Err:      nameTooLong("container", dst.Container, c.MaxNameLength),
		}
	}

	return dst, nil
}

// nameTooLong builds a relayable backend error for a derived name that
// exceeds the backend's limit. No request is sent; the failure is decided
// client-side.
func nameTooLong(what string, name string, limit int) *backend.Error {
	return &backend.Error{
		Kind:   backend.ErrNameTooLong,
		Op:     "derive trash " + what,
		Status: http.StatusBadRequest,
		Body:   []byte(fmt.Sprintf("derived trash %s name %q exceeds the %d byte limit\n", what, name, limit)),
	}
}
