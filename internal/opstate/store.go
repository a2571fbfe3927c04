// Package opstate persists the small pieces of bot state that must
// survive a restart: the nick blacklist, the quickdraw record and the
// runtime limits admins change from chat. Values live in a namespaced
// key-value table; typed helpers wrap the namespaces Banter uses.
package opstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Namespaces used by the bot.
const (
	NamespaceBlacklist = "blacklist"
	NamespaceQuickdraw = "quickdraw"
	NamespaceLimits    = "limits"
)

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a state store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS bot_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	);
	`)
	return err
}

// Get returns the stored value for a namespace/key pair. A missing key
// yields "" and a nil error.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple.
func (s *Store) Set(ctx context.Context, namespace, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_state (namespace, key, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete removes a namespace/key entry. Deleting a missing key is not
// an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM bot_state WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// List returns all key/value pairs for a namespace. The map is never nil.
func (s *Store) List(ctx context.Context, namespace string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM bot_state WHERE namespace = ? ORDER BY key`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[k] = v
	}
	return result, rows.Err()
}

// Blacklist adds nick to the persisted blacklist. Nicks are stored
// lowercased.
func (s *Store) Blacklist(ctx context.Context, nick string) error {
	return s.Set(ctx, NamespaceBlacklist, strings.ToLower(nick), s.now().UTC().Format(time.RFC3339))
}

// Unblacklist removes nick from the persisted blacklist.
func (s *Store) Unblacklist(ctx context.Context, nick string) error {
	return s.Delete(ctx, NamespaceBlacklist, strings.ToLower(nick))
}

// Blacklisted returns every blacklisted nick in sorted order.
func (s *Store) Blacklisted(ctx context.Context) ([]string, error) {
	m, err := s.List(ctx, NamespaceBlacklist)
	if err != nil {
		return nil, err
	}
	nicks := make([]string, 0, len(m))
	for k := range m {
		nicks = append(nicks, k)
	}
	slices.Sort(nicks)
	return nicks, nil
}

// Record is the fastest quickdraw win.
type Record struct {
	Nick    string
	Seconds float64
}

// QuickdrawRecord returns the stored record. ok is false when no round
// has been won yet.
func (s *Store) QuickdrawRecord(ctx context.Context) (rec Record, ok bool, err error) {
	m, err := s.List(ctx, NamespaceQuickdraw)
	if err != nil {
		return Record{}, false, err
	}
	raw, found := m["seconds"]
	if !found {
		return Record{}, false, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Record{}, false, fmt.Errorf("parse quickdraw record %q: %w", raw, err)
	}
	return Record{Nick: m["nick"], Seconds: secs}, true, nil
}

// SetQuickdrawRecord stores a new record.
func (s *Store) SetQuickdrawRecord(ctx context.Context, rec Record) error {
	if err := s.Set(ctx, NamespaceQuickdraw, "nick", rec.Nick); err != nil {
		return err
	}
	return s.Set(ctx, NamespaceQuickdraw, "seconds", strconv.FormatFloat(rec.Seconds, 'f', 3, 64))
}

// Limit returns an integer runtime limit. ok is false when the limit
// has never been set from chat.
func (s *Store) Limit(ctx context.Context, name string) (value int, ok bool, err error) {
	raw, err := s.Get(ctx, NamespaceLimits, name)
	if err != nil || raw == "" {
		return 0, false, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("parse limit %s=%q: %w", name, raw, err)
	}
	return v, true, nil
}

// SetLimit stores an integer runtime limit.
func (s *Store) SetLimit(ctx context.Context, name string, value int) error {
	return s.Set(ctx, NamespaceLimits, name, strconv.Itoa(value))
}
