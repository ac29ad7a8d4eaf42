// Package store is an embedded reference backend speaking the
// /v1/{account}/{container}/{object} storage API the undelete filter
// fronts. Object metadata lives in SQLite; payloads live in a
// content-addressed file layout. It exists for development and tests, not
// for production storage.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"undelete/internal/backend"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	// MaxNameLength bounds account and container names, matching the
	// limits the undelete filter's naming policy is validated against.
	MaxNameLength = 256

	// MaxObjectNameLength bounds object names.
	MaxObjectNameLength = 1024
)

// Config configures the embedded store.
type Config struct {
	DataDir string

	// MaxBytes caps the total payload bytes accounted in metadata. Writes
	// and copies that would exceed it fail with 507, which is how a full
	// cluster surfaces to the undelete filter. Zero means unlimited.
	MaxBytes int64

	Engine PayloadEngine
}

// Server implements the v1 storage API over SQLite metadata and a payload
// engine.
type Server struct {
	cfg Config
	db  *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(p)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", p)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// NewServer initializes the metadata database and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("DataDir must not be empty")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := path.Join(cfg.DataDir, "metadata.sqlite")

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if cfg.Engine == nil {
		cfg.Engine = NewFileEngine(path.Join(cfg.DataDir, "payloads"))
	}

	return &Server{cfg: cfg, db: db}, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// Capabilities reports what the embedded store supports. Everything lives
// in one namespace, so cross-account copies work.
func (s *Server) Capabilities() backend.Capabilities {
	return backend.Capabilities{CrossAccountCopy: true}
}

// Handler returns an http.Handler implementing the v1 storage API,
// including the server-side COPY verb with Destination-Account support.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/{account}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutAccount(w, r, r.PathValue("account"))
	})
	mux.HandleFunc("HEAD /v1/{account}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadAccount(w, r, r.PathValue("account"))
	})
	mux.HandleFunc("DELETE /v1/{account}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteAccount(w, r, r.PathValue("account"))
	})

	mux.HandleFunc("PUT /v1/{account}/{container}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutContainer(w, r, r.PathValue("account"), r.PathValue("container"))
	})
	mux.HandleFunc("GET /v1/{account}/{container}", func(w http.ResponseWriter, r *http.Request) {
		s.handleListContainer(w, r, r.PathValue("account"), r.PathValue("container"))
	})
	mux.HandleFunc("HEAD /v1/{account}/{container}", func(w http.ResponseWriter, r *http.Request) {
		s.handleHeadContainer(w, r, r.PathValue("account"), r.PathValue("container"))
	})
	mux.HandleFunc("DELETE /v1/{account}/{container}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteContainer(w, r, r.PathValue("account"), r.PathValue("container"))
	})

	mux.HandleFunc("PUT /v1/{account}/{container}/{object...}", func(w http.ResponseWriter, r *http.Request) {
		s.handlePutObject(w, r, r.PathValue("account"), r.PathValue("container"), r.PathValue("object"))
	})
	mux.HandleFunc("GET /v1/{account}/{container}/{object...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(w, r, r.PathValue("account"), r.PathValue("container"), r.PathValue("object"), true)
	})
	mux.HandleFunc("HEAD /v1/{account}/{container}/{object...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleGetObject(w, r, r.PathValue("account"), r.PathValue("container"), r.PathValue("object"), false)
	})
	mux.HandleFunc("DELETE /v1/{account}/{container}/{object...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleDeleteObject(w, r, r.PathValue("account"), r.PathValue("container"), r.PathValue("object"))
	})
	mux.HandleFunc("COPY /v1/{account}/{container}/{object...}", func(w http.ResponseWriter, r *http.Request) {
		s.handleCopyObject(w, r, r.PathValue("account"), r.PathValue("container"), r.PathValue("object"))
	})

	return mux
}

// ------ Validation and lookup helpers ------

func validateNameOrError(w http.ResponseWriter, what string, name string, limit int) bool {
	if name == "" || len(name) > limit {
		http.Error(w, fmt.Sprintf("%s name must be between 1 and %d bytes", what, limit), http.StatusBadRequest)
		return false
	}
	if strings.ContainsFunc(name, func(c rune) bool { return c < 0x20 || c == 0x7f }) {
		http.Error(w, fmt.Sprintf("%s name contains control characters", what), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) accountExists(ctx context.Context, account string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts WHERE name = ?`, account).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Server) containerExists(ctx context.Context, account string, container string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM containers WHERE account = ? AND name = ?`, account, container).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

type objectRow struct {
	hash        string
	size        int64
	contentType sql.NullString
	expiresAt   sql.NullInt64
	modifiedAt  time.Time
}

// lookupObject fetches an object's metadata. Expired objects are reported
// as absent, but their rows stay until something deletes them.
func (s *Server) lookupObject(ctx context.Context, account string, container string, object string) (*objectRow, error) {
	var row objectRow
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, expires_at, modified_at FROM objects
		 WHERE account = ? AND container = ? AND name = ?`,
		account, container, object,
	).Scan(&row.hash, &row.size, &row.contentType, &row.expiresAt, &row.modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if row.expiresAt.Valid && time.Now().Unix() >= row.expiresAt.Int64 {
		return nil, nil
	}
	return &row, nil
}

// checkCapacity reports whether adding more bytes would exceed the
// configured cap.
func (s *Server) checkCapacity(ctx context.Context, more int64) (bool, error) {
	if s.cfg.MaxBytes <= 0 {
		return true, nil
	}

	var used sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM objects`).Scan(&used); err != nil {
		return false, err
	}
	return used.Int64+more <= s.cfg.MaxBytes, nil
}

// parseDeleteAfter reads an X-Delete-After header into an absolute expiry
// timestamp. A zero return means no expiry was requested.
func parseDeleteAfter(r *http.Request) (int64, error) {
	raw := r.Header.Get("X-Delete-After")
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("invalid X-Delete-After value %q", raw)
	}
	return time.Now().Unix() + seconds, nil
}

func internalError(w http.ResponseWriter, what string, err error, attrs ...any) {
	slog.Error(what, append(attrs, "err", err)...)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// ------ Account handlers ------

func (s *Server) handlePutAccount(w http.ResponseWriter, r *http.Request, account string) {
	if !validateNameOrError(w, "account", account, MaxNameLength) {
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`INSERT OR IGNORE INTO accounts(name, created_at) VALUES(?, ?)`, account, time.Now().UTC())
	if err != nil {
		internalError(w, "Create account", err, "account", account)
		return
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHeadAccount(w http.ResponseWriter, r *http.Request, account string) {
	exists, err := s.accountExists(r.Context(), account)
	if err != nil {
		internalError(w, "Head account", err, "account", account)
		return
	}
	if !exists {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, account string) {
	var containers int
	if err := s.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM containers WHERE account = ?`, account).Scan(&containers); err != nil {
		internalError(w, "Delete account lookup", err, "account", account)
		return
	}
	if containers > 0 {
		http.Error(w, "account not empty", http.StatusConflict)
		return
	}

	res, err := s.db.ExecContext(r.Context(), `DELETE FROM accounts WHERE name = ?`, account)
	if err != nil {
		internalError(w, "Delete account", err, "account", account)
		return
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ------ Container handlers ------

func (s *Server) handlePutContainer(w http.ResponseWriter, r *http.Request, account string, container string) {
	if !validateNameOrError(w, "container", container, MaxNameLength) {
		return
	}

	exists, err := s.accountExists(r.Context(), account)
	if err != nil {
		internalError(w, "Create container lookup", err, "account", account)
		return
	}
	if !exists {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`INSERT OR IGNORE INTO containers(account, name, created_at) VALUES(?, ?, ?)`,
		account, container, time.Now().UTC())
	if err != nil {
		internalError(w, "Create container", err, "account", account, "container", container)
		return
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHeadContainer(w http.ResponseWriter, r *http.Request, account string, container string) {
	exists, err := s.containerExists(r.Context(), account, container)
	if err != nil {
		internalError(w, "Head container", err, "account", account, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListContainer lists object names in a container, one per line,
// newest-name-last, optionally filtered with ?prefix=.
func (s *Server) handleListContainer(w http.ResponseWriter, r *http.Request, account string, container string) {
	exists, err := s.containerExists(r.Context(), account, container)
	if err != nil {
		internalError(w, "List container lookup", err, "account", account, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	args := []any{account, container}
	query := `SELECT name FROM objects WHERE account = ? AND container = ?`
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		query += ` AND name LIKE ? ESCAPE '\'`
		args = append(args, likeEscape(prefix)+"%")
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		internalError(w, "List container", err, "account", account, "container", container)
		return
	}
	defer rows.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			slog.Error("Scan object name", "err", err)
			continue
		}
		fmt.Fprintln(w, name)
	}
}

func likeEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request, account string, container string) {
	var objects int
	if err := s.db.QueryRowContext(r.Context(),
		`SELECT COUNT(*) FROM objects WHERE account = ? AND container = ?`, account, container).Scan(&objects); err != nil {
		internalError(w, "Delete container lookup", err, "account", account, "container", container)
		return
	}
	if objects > 0 {
		http.Error(w, "container not empty", http.StatusConflict)
		return
	}

	res, err := s.db.ExecContext(r.Context(),
		`DELETE FROM containers WHERE account = ? AND name = ?`, account, container)
	if err != nil {
		internalError(w, "Delete container", err, "account", account, "container", container)
		return
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ------ Object handlers ------

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, account string, container string, object string) {
	if !validateNameOrError(w, "object", object, MaxObjectNameLength) {
		return
	}

	exists, err := s.containerExists(r.Context(), account, container)
	if err != nil {
		internalError(w, "Put object lookup", err, "account", account, "container", container)
		return
	}
	if !exists {
		http.Error(w, "container not found", http.StatusNotFound)
		return
	}

	expiresAt, err := parseDeleteAfter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if ok, err := s.checkCapacity(r.Context(), int64(len(data))); err != nil {
		internalError(w, "Capacity check", err)
		return
	} else if !ok {
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
		return
	}

	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])

	if err := s.cfg.Engine.Put(account, hashHex, data); err != nil {
		internalError(w, "Store payload", err, "account", account, "container", container, "object", object)
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO objects(account, container, name, hash, size, content_type, expires_at, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account, container, name) DO UPDATE SET
			hash=excluded.hash,
			size=excluded.size,
			content_type=excluded.content_type,
			expires_at=excluded.expires_at,
			modified_at=excluded.modified_at`,
		account, container, object, hashHex, int64(len(data)), contentType, nullableExpiry(expiresAt), now, now,
	)
	if err != nil {
		internalError(w, "Upsert object metadata", err, "account", account, "container", container, "object", object)
		return
	}

	w.Header().Set("ETag", hashHex)
	w.WriteHeader(http.StatusCreated)
}

func nullableExpiry(expiresAt int64) any {
	if expiresAt == 0 {
		return nil
	}
	return expiresAt
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, account string, container string, object string, withBody bool) {
	row, err := s.lookupObject(r.Context(), account, container, object)
	if err != nil {
		internalError(w, "Lookup object", err, "account", account, "container", container, "object", object)
		return
	}
	if row == nil {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}

	if row.contentType.Valid {
		w.Header().Set("Content-Type", row.contentType.String)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(row.size, 10))
	w.Header().Set("Last-Modified", row.modifiedAt.UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", row.hash)

	if !withBody {
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := s.cfg.Engine.Get(account, row.hash)
	if err != nil {
		internalError(w, "Read payload", err, "account", account, "container", container, "object", object)
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Error("Stream object", "account", account, "container", container, "object", object, "err", err)
	}
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, account string, container string, object string) {
	// A delete clears the metadata row whether or not the object has
	// expired, so expired entries can still be flushed from listings.
	res, err := s.db.ExecContext(r.Context(),
		`DELETE FROM objects WHERE account = ? AND container = ? AND name = ?`, account, container, object)
	if err != nil {
		internalError(w, "Delete object", err, "account", account, "container", container, "object", object)
		return
	}

	if rows, _ := res.RowsAffected(); rows == 0 {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}

	// Payloads are not garbage-collected here; unreferenced hashes can be
	// swept separately based on reference counts.
	w.WriteHeader(http.StatusNoContent)
}

// handleCopyObject implements the server-side COPY verb. The destination
// is taken from the Destination header ("container/object"), staying in
// the source account unless Destination-Account is set.
func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, account string, container string, object string) {
	destination := r.Header.Get("Destination")
	dstContainer, dstObject, found := strings.Cut(destination, "/")
	if !found || dstContainer == "" || dstObject == "" {
		http.Error(w, "Destination header must name container/object", http.StatusBadRequest)
		return
	}
	if !validateNameOrError(w, "object", dstObject, MaxObjectNameLength) {
		return
	}

	dstAccount := account
	if v := r.Header.Get("Destination-Account"); v != "" {
		dstAccount = v
	}

	expiresAt, err := parseDeleteAfter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	row, err := s.lookupObject(r.Context(), account, container, object)
	if err != nil {
		internalError(w, "Copy source lookup", err, "account", account, "container", container, "object", object)
		return
	}
	if row == nil {
		http.Error(w, "object not found", http.StatusNotFound)
		return
	}

	exists, err := s.containerExists(r.Context(), dstAccount, dstContainer)
	if err != nil {
		internalError(w, "Copy destination lookup", err, "account", dstAccount, "container", dstContainer)
		return
	}
	if !exists {
		http.Error(w, "destination container not found", http.StatusNotFound)
		return
	}

	if ok, err := s.checkCapacity(r.Context(), row.size); err != nil {
		internalError(w, "Capacity check", err)
		return
	} else if !ok {
		http.Error(w, "insufficient storage", http.StatusInsufficientStorage)
		return
	}

	if dstAccount != account {
		if err := s.cfg.Engine.Link(account, row.hash, dstAccount); err != nil {
			internalError(w, "Link payload", err, "account", account, "dst_account", dstAccount)
			return
		}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(r.Context(),
		`INSERT INTO objects(account, container, name, hash, size, content_type, expires_at, created_at, modified_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account, container, name) DO UPDATE SET
			hash=excluded.hash,
			size=excluded.size,
			content_type=excluded.content_type,
			expires_at=excluded.expires_at,
			modified_at=excluded.modified_at`,
		dstAccount, dstContainer, dstObject, row.hash, row.size, nullableString(row.contentType), nullableExpiry(expiresAt), now, now,
	)
	if err != nil {
		internalError(w, "Upsert copy metadata", err, "account", dstAccount, "container", dstContainer, "object", dstObject)
		return
	}

	w.Header().Set("ETag", row.hash)
	w.WriteHeader(http.StatusCreated)
}

func nullableString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}
