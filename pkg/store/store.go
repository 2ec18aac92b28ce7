// Package store is the local SQLite cache of nostr events.
//
// Every event a thread view sees can be written here, so a later view of
// the same thread starts from disk and only asks relays for what is new.
// Single-letter tags are indexed for the #e / #a / #i lookups thread
// widening relies on. The store also keeps the user's mute list.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/daviddao/threadweave/pkg/order"
	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// DefaultPollInterval is how often keep-open queries look for new rows when
// no file change woke them earlier.
const DefaultPollInterval = 500 * time.Millisecond

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db   *sql.DB
	path string
	poll time.Duration
	log  zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l.With().Str("component", "store").Logger() }
}

// WithPollInterval sets how often keep-open queries poll for new events.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.poll = d
		}
	}
}

// Mute is a muted author.
type Mute struct {
	PubKey    string    `json:"pubkey"`
	CreatedAt time.Time `json:"created_at"`
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, path: path, poll: DefaultPollInterval, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		pubkey      TEXT NOT NULL,
		created_at  INTEGER NOT NULL,
		kind        INTEGER NOT NULL,
		raw         TEXT NOT NULL,
		received_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at, id);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_pubkey ON events(pubkey, kind);

	CREATE TABLE IF NOT EXISTS tags (
		event_id TEXT NOT NULL REFERENCES events(id),
		name     TEXT NOT NULL,
		value    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tags_name_value ON tags(name, value);
	CREATE INDEX IF NOT EXISTS idx_tags_event ON tags(event_id);

	CREATE TABLE IF NOT EXISTS mutes (
		pubkey     TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// SaveEvent stores ev and its single-letter tags. Storing an id twice is a
// no-op; inserted reports whether a row was added.
func (s *Store) SaveEvent(ev *nostr.Event) (inserted bool, err error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	err = retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		res, err := tx.Exec(
			`INSERT INTO events (id, pubkey, created_at, kind, raw, received_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			ev.ID, ev.PubKey, int64(ev.CreatedAt), ev.Kind, string(raw), now,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n > 0
		if !inserted {
			return nil
		}
		for _, tag := range ev.Tags {
			if !indexable(tag) {
				continue
			}
			if _, err := tx.Exec(`INSERT INTO tags (event_id, name, value) VALUES (?, ?, ?)`,
				ev.ID, tag[0], tag[1]); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	return inserted, err
}

// SaveEvents stores events and returns how many were new.
func (s *Store) SaveEvents(events []*nostr.Event) (int, error) {
	added := 0
	for _, ev := range events {
		ok, err := s.SaveEvent(ev)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// GetEvent returns the event with id, or ErrNotFound.
func (s *Store) GetEvent(id string) (*nostr.Event, error) {
	var raw string
	err := s.db.QueryRow(`SELECT raw FROM events WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

// ListEvents returns the newest events, optionally restricted to kinds,
// oldest first.
func (s *Store) ListEvents(kinds []int, limit int) ([]*nostr.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT raw FROM events`
	var args []any
	if len(kinds) > 0 {
		q += ` WHERE kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	order.Sort(events)
	return events, nil
}

// ListEventsSinceSeq returns events stored after sequence number seq, in
// insertion order, and the last sequence number read. This is how
// keep-open queries tail the cache.
func (s *Store) ListEventsSinceSeq(seq int64, limit int) ([]*nostr.Event, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT seq, raw FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, seq, limit,
	)
	if err != nil {
		return nil, seq, err
	}
	defer rows.Close()

	last := seq
	var events []*nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&last, &raw); err != nil {
			return nil, seq, err
		}
		ev, err := decode(raw)
		if err != nil {
			return nil, seq, err
		}
		events = append(events, ev)
	}
	return events, last, rows.Err()
}

// MaxSeq returns the highest event sequence number, or 0 if empty.
func (s *Store) MaxSeq() int64 {
	var seq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM events`).Scan(&seq); err != nil {
		return 0
	}
	return seq
}

// CountEvents returns the total number of cached events.
func (s *Store) CountEvents() int64 {
	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0
	}
	return count
}

// CountByKind returns the number of cached events per kind.
func (s *Store) CountByKind() (map[int]int64, error) {
	rows, err := s.db.Query(`SELECT kind, COUNT(*) FROM events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int]int64)
	for rows.Next() {
		var kind int
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// QueryEvents returns the stored events matching f, oldest first. f.Limit
// keeps the newest matches.
func (s *Store) QueryEvents(f nostr.Filter) ([]*nostr.Event, error) {
	q, args := buildQuery(f)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// Since/Until and anything the SQL did not narrow are checked here.
	events = slices.DeleteFunc(events, func(ev *nostr.Event) bool { return !f.Matches(ev) })
	if f.Limit > 0 && len(events) > f.Limit {
		events = events[len(events)-f.Limit:]
	}
	return events, nil
}

// Query implements feed.Source over the cache. With keepOpen the channel
// stays open and delivers matching events as they are stored, until ctx is
// done.
func (s *Store) Query(ctx context.Context, filters []nostr.Filter, keepOpen bool) (<-chan *nostr.Event, error) {
	seq := s.MaxSeq()
	seen := make(map[string]struct{})
	var initial []*nostr.Event
	for _, f := range filters {
		events, err := s.QueryEvents(f)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			initial = append(initial, ev)
		}
	}
	order.Sort(initial)

	var wake <-chan struct{}
	if keepOpen {
		wake = s.watchWrites(ctx)
	}
	out := make(chan *nostr.Event)
	go func() {
		defer close(out)
		for _, ev := range initial {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if keepOpen {
			s.tail(ctx, filters, seq, wake, out)
		}
	}()
	return out, nil
}

// tail delivers events stored after seq, checking on every wake signal and
// every poll tick.
func (s *Store) tail(ctx context.Context, filters []nostr.Filter, seq int64, wake <-chan struct{}, out chan<- *nostr.Event) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		for {
			events, last, err := s.ListEventsSinceSeq(seq, 500)
			if err != nil {
				s.log.Warn().Err(err).Msg("tail cache")
				break
			}
			seq = last
			for _, ev := range events {
				if !matchesAny(filters, ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			if len(events) < 500 {
				break
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Mutes
// ---------------------------------------------------------------------------

// Mute adds pubkey to the mute list. Idempotent.
func (s *Store) Mute(pubkey string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO mutes (pubkey, created_at) VALUES (?, ?)
			 ON CONFLICT(pubkey) DO NOTHING`, pubkey, now,
		)
		return err
	})
}

// Unmute removes pubkey from the mute list, or returns ErrNotFound.
func (s *Store) Unmute(pubkey string) error {
	var n int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(`DELETE FROM mutes WHERE pubkey = ?`, pubkey)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("mute %s: %w", pubkey, ErrNotFound)
	}
	return nil
}

// ListMutes returns the mute list ordered by pubkey.
func (s *Store) ListMutes() ([]Mute, error) {
	rows, err := s.db.Query(`SELECT pubkey, created_at FROM mutes ORDER BY pubkey`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mutes []Mute
	for rows.Next() {
		var m Mute
		var created string
		if err := rows.Scan(&m.PubKey, &created); err != nil {
			return nil, err
		}
		m.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return nil, fmt.Errorf("parse created_at for mute %s: %w", m.PubKey, err)
		}
		mutes = append(mutes, m)
	}
	return mutes, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// indexable reports whether tag is a single-letter tag with a value, the
// only kind nostr filters can select on.
func indexable(tag nostr.Tag) bool {
	if len(tag) < 2 || len(tag[0]) != 1 || tag[1] == "" {
		return false
	}
	c := tag[0][0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func buildQuery(f nostr.Filter) (string, []any) {
	var where []string
	var args []any
	in := func(col string, values []string) {
		where = append(where, col+` IN (`+placeholders(len(values))+`)`)
		for _, v := range values {
			args = append(args, v)
		}
	}
	if len(f.IDs) > 0 {
		in("id", f.IDs)
	}
	if len(f.Authors) > 0 {
		in("pubkey", f.Authors)
	}
	if len(f.Kinds) > 0 {
		where = append(where, `kind IN (`+placeholders(len(f.Kinds))+`)`)
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		values := f.Tags[name]
		if len(values) == 0 {
			continue
		}
		where = append(where, `id IN (SELECT event_id FROM tags WHERE name = ? AND value IN (`+placeholders(len(values))+`))`)
		args = append(args, name)
		for _, v := range values {
			args = append(args, v)
		}
	}

	q := `SELECT raw FROM events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY created_at ASC, id ASC`
	return q, args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func decode(raw string) (*nostr.Event, error) {
	var ev nostr.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*nostr.Event, error) {
	var events []*nostr.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		ev, err := decode(raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func matchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
