// Package undelete implements a request-pipeline filter that intercepts
// object DELETE requests and copies the target into a trash location
// before letting the delete proceed. An administrator can later recover
// the copy from the trash container.
//
// Caveats, inherited from the copy-then-delete approach:
//
//   - There is no overwrite protection. An object overwritten by PUT is
//     gone; only deletes are trapped. Likewise a PUT that lands between
//     the trash copy and the delete produces a trash copy older than the
//     version the delete removes.
//   - A source container whose name ends in "-versions" (say
//     "docs-versions") derives the same trash container as the versions
//     companion of its base name ("docs"), and ParseTrashContainer refuses
//     such names. Its trash copies land correctly but need manual recovery.
//   - If derived trash names exceed the backend's name limits, affected
//     objects cannot be deleted while BlockTrashDeletes is set.
//   - On a backend too full to copy, deletes fail while BlockTrashDeletes
//     is set; capacity may need to be added before objects can be deleted.
package undelete

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"undelete/internal/backend"
	"undelete/internal/metrics"
)

// Interceptor returns middleware that applies the copy-then-delete
// protocol to object-level DELETE requests. Everything else, including
// account- and container-level deletes, passes through untouched.
//
// The backend is reached by sub-requests through next, so the filter
// composes with whatever else sits between it and the backend. Validate
// the Config against the backend's capabilities before installing.
func Interceptor(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			src, ok := splitObjectPath(r.URL.Path)
			if r.Method != http.MethodDelete || !ok {
				next.ServeHTTP(w, r)
				return
			}

			if cfg.DisableDeletes {
				w.Header().Set("Allow", "GET, HEAD, PUT, POST, OPTIONS")
				http.Error(w, "object deletes are administratively disabled", http.StatusMethodNotAllowed)
				return
			}

			if !cfg.enabledFor(src.Account, src.Container) {
				metrics.PassthroughTotal.WithLabelValues(metrics.ReasonDisabled).Inc()
				next.ServeHTTP(w, r)
				return
			}

			// Deletes inside the trash are purges, not user deletes.
			if cfg.isTrashContainer(src.Container) {
				metrics.PassthroughTotal.WithLabelValues(metrics.ReasonTrashContainer).Inc()
				next.ServeHTTP(w, r)
				return
			}

			client := backend.NewPipelineClient(next, r.Header)
			if err := copyToTrash(r.Context(), client, cfg, src); err != nil {
				slog.Warn("Trash copy failed",
					"account", src.Account, "container", src.Container, "object", src.Object,
					"kind", errorKind(err).String(), "err", err)

				if cfg.BlockTrashDeletes {
					metrics.TrashCopiesTotal.WithLabelValues(metrics.OutcomeFailedClosed).Inc()
					metrics.BlockedDeletesTotal.Inc()
					relayFailure(w, err)
					return
				}

				// Fail open: the object is deleted without a trash copy.
				metrics.TrashCopiesTotal.WithLabelValues(metrics.OutcomeFailedOpen).Inc()
			}

			forwardDelete(w, r, next, src)
		})
	}
}

// copyToTrash runs the copy-before-delete protocol for one object. A nil
// return means the delete may proceed: either the copy landed, or the
// source does not exist (in which case the delete merely clears a stale
// entry).
func copyToTrash(ctx context.Context, client backend.Client, cfg Config, src backend.Location) error {
	dst, err := cfg.trashLocation(src, time.Now().UTC())
	if err != nil {
		metrics.ProvisioningFailuresTotal.WithLabelValues(backend.ErrNameTooLong.String()).Inc()
		return err
	}

	opts := backend.CopyOptions{DeleteAfter: cfg.TrashLifetime}

	err = client.CopyObject(ctx, src, dst, opts)
	if err == nil {
		metrics.TrashCopiesTotal.WithLabelValues(metrics.OutcomeCopied).Inc()
		return nil
	}

	// A 404 here is ambiguous: the source object or the trash container
	// may be missing. Provision the trash location and retry the copy
	// once to tell the cases apart.
	if errorKind(err) != backend.ErrNotFound {
		return &TrashCopyError{Source: src, Trash: dst, Err: err}
	}

	if err := provisionTrash(ctx, client, cfg, src, dst); err != nil {
		return err
	}

	err = client.CopyObject(ctx, src, dst, opts)
	switch {
	case err == nil:
		metrics.TrashCopiesTotal.WithLabelValues(metrics.OutcomeCopied).Inc()
		return nil
	case errorKind(err) == backend.ErrNotFound:
		// The trash container exists now, so the source object really is
		// gone. Let the delete through; it may free an expired entry
		// still present in the container listing.
		metrics.TrashCopiesTotal.WithLabelValues(metrics.OutcomeMissing).Inc()
		return nil
	default:
		return &TrashCopyError{Source: src, Trash: dst, Err: err}
	}
}

// provisionTrash creates the trash account (cross-account policy only) and
// the trash container plus its versions companion. Creation is idempotent:
// an AlreadyExists answer is success, so concurrent deletes can race here
// safely.
func provisionTrash(ctx context.Context, client backend.Client, cfg Config, src backend.Location, dst backend.Location) error {
	if dst.Account != src.Account {
		if err := client.CreateAccount(ctx, dst.Account); err != nil && errorKind(err) != backend.ErrAlreadyExists {
			metrics.ProvisioningFailuresTotal.WithLabelValues(errorKind(err).String()).Inc()
			return &TrashProvisioningError{Location: backend.Location{Account: dst.Account}, Err: err}
		}
	}

	for _, container := range []string{cfg.versionsContainer(src.Container), dst.Container} {
		if err := client.CreateContainer(ctx, dst.Account, container); err != nil && errorKind(err) != backend.ErrAlreadyExists {
			metrics.ProvisioningFailuresTotal.WithLabelValues(errorKind(err).String()).Inc()
			return &TrashProvisioningError{
				Location: backend.Location{Account: dst.Account, Container: container},
				Err:      err,
			}
		}
	}

	return nil
}

// forwardDelete passes the original DELETE to the backend and relays its
// response verbatim, recording the outcome for logs.
func forwardDelete(w http.ResponseWriter, r *http.Request, next http.Handler, src backend.Location) {
	writer := ResponseWriterWrapper{ResponseWriter: w}
	next.ServeHTTP(&writer, r)

	if writer.WrittenResponseCode >= 400 && writer.WrittenResponseCode != http.StatusNotFound {
		err := &SourceDeleteError{Source: src, Status: writer.WrittenResponseCode}
		slog.Warn("Source delete failed", "account", src.Account, "container", src.Container, "object", src.Object, "err", err)
	}
}

// relayFailure writes the backend response that caused a blocked delete,
// so the client sees the same status, headers, and body the backend
// produced.
func relayFailure(w http.ResponseWriter, err error) {
	var berr *backend.Error
	if errors.As(err, &berr) {
		berr.WriteResponse(w)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// splitObjectPath parses an object-level /v1/{account}/{container}/{object}
// path. Account- and container-level paths return false.
func splitObjectPath(p string) (backend.Location, bool) {
	rest, found := strings.CutPrefix(p, "/v1/")
	if !found {
		return backend.Location{}, false
	}

	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return backend.Location{}, false
	}

	return backend.Location{Account: parts[0], Container: parts[1], Object: parts[2]}, true
}
