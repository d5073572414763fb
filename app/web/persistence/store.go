package persistence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Engine defines the database engine backing the store
type Engine string

// supported engines
const (
	EngineSQLite   Engine = "sqlite"
	EnginePostgres Engine = "postgres"
)

// Contact represents a single stored contact
type Contact struct {
	ID        int64
	Name      string
	Email     string
	Phone     string
	CreatedAt time.Time
}

// contactRow is the db representation of Contact, created_at kept as unix nanoseconds
type contactRow struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Email     string `db:"email"`
	Phone     string `db:"phone"`
	CreatedAt int64  `db:"created_at"`
}

func (r contactRow) contact() Contact {
	return Contact{ID: r.ID, Name: r.Name, Email: r.Email, Phone: r.Phone, CreatedAt: time.Unix(0, r.CreatedAt).UTC()}
}

// Params defines store creation parameters
type Params struct {
	Engine          Engine
	DSN             string        // file path for sqlite, connection url for postgres
	ConnectAttempts int           // how many times to try the initial connection, 1 if not set
	ConnectDelay    time.Duration // initial delay between connection attempts, grows with backoff
}

// Store implements contacts persistence on top of sqlx
type Store struct {
	db     *sqlx.DB
	engine Engine
	now    func() time.Time
}

const sqliteBusyTimeoutMs = 5000

// insertQuery stamps created_at inside the insert statement, never below the newest stored row,
// so created_at order always follows insertion order even if the clock goes backwards
var insertQuery = map[Engine]string{
	EngineSQLite: `INSERT INTO contacts (name, email, phone, created_at)
		VALUES (?, ?, ?, max(?, (SELECT COALESCE(MAX(created_at), 0) + 1 FROM contacts)))
		RETURNING id, created_at`,
	EnginePostgres: `INSERT INTO contacts (name, email, phone, created_at)
		VALUES (?, ?, ?, GREATEST(?, (SELECT COALESCE(MAX(created_at), 0) + 1 FROM contacts)))
		RETURNING id, created_at`,
}

var schema = map[Engine][]string{
	EngineSQLite: {
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_created_at ON contacts(created_at)`,
	},
	EnginePostgres: {
		`CREATE TABLE IF NOT EXISTS contacts (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_created_at ON contacts(created_at)`,
	},
}

// ParseEngine converts a string to Engine, case-insensitive
func ParseEngine(s string) (Engine, error) {
	switch Engine(strings.ToLower(strings.TrimSpace(s))) {
	case EngineSQLite:
		return EngineSQLite, nil
	case EnginePostgres:
		return EnginePostgres, nil
	default:
		return "", fmt.Errorf("unsupported database engine %q", s)
	}
}

// driver returns the registered database/sql driver name for the engine
func (e Engine) driver() string {
	if e == EnginePostgres {
		return "pgx"
	}
	return "sqlite"
}

// New creates a store, checks connectivity and makes sure contacts table exists
func New(ctx context.Context, p Params) (*Store, error) {
	if _, ok := schema[p.Engine]; !ok {
		return nil, fmt.Errorf("unsupported database engine %q", p.Engine)
	}
	if p.DSN == "" {
		return nil, fmt.Errorf("empty dsn for %s", p.Engine)
	}

	dsn := p.DSN
	if p.Engine == EngineSQLite {
		dsn = sqliteDSN(dsn)
	}
	db, err := sqlx.Open(p.Engine.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if p.Engine == EngineSQLite {
		// sqlite has a single writer, concurrent requests queue on the pool
		db.SetMaxOpenConns(1)
	}

	res := &Store{db: db, engine: p.Engine, now: time.Now}
	if err := res.connect(ctx, p.ConnectAttempts, p.ConnectDelay); err != nil {
		return nil, res.closeOnErr(err)
	}

	if p.Engine == EngineSQLite {
		// enable WAL mode for better concurrency
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, res.closeOnErr(fmt.Errorf("failed to set WAL mode: %w", err))
		}
	}

	if err := res.initialize(ctx); err != nil {
		return nil, res.closeOnErr(err)
	}
	log.Printf("[INFO] %s store ready", p.Engine)
	return res, nil
}

// connect pings the database with backoff, the only place where retries happen
func (s *Store) connect(ctx context.Context, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	rptr := repeater.New(&strategy.Backoff{Repeats: attempts, Duration: delay, Factor: 2})
	err := rptr.Do(ctx, func() error {
		if e := s.db.PingContext(ctx); e != nil {
			log.Printf("[WARN] database %s is not reachable, %v", s.engine, e)
			return e
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s after %d attempt(s): %w", s.engine, attempts, err)
	}
	return nil
}

// sqliteDSN adds busy_timeout pragma to sqlite dsn, applied by the driver to every new connection
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMs) + ")"
}

// initialize creates the database schema if missing
func (s *Store) initialize(ctx context.Context) error {
	for _, query := range schema[s.engine] {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

func (s *Store) closeOnErr(err error) error {
	if closeErr := s.db.Close(); closeErr != nil {
		return fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
	}
	return err
}

// Add inserts a contact and returns it with id and creation time set.
// CreatedAt is always assigned by the store at insert time, caller's value is ignored.
func (s *Store) Add(ctx context.Context, c Contact) (Contact, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	var createdAt int64
	query := s.db.Rebind(insertQuery[s.engine])
	err = conn.QueryRowxContext(ctx, query, c.Name, c.Email, c.Phone, s.now().UTC().UnixNano()).Scan(&c.ID, &createdAt)
	if err != nil {
		return Contact{}, fmt.Errorf("failed to insert contact: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	return c, nil
}

// List returns all contacts, newest first. Rows created within the same tick keep reverse insertion order.
func (s *Store) List(ctx context.Context) ([]Contact, error) {
	conn, err := s.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	rows := []contactRow{}
	query := `SELECT id, name, email, phone, created_at FROM contacts ORDER BY created_at DESC, id DESC`
	if err := conn.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}

	res := make([]Contact, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.contact())
	}
	return res, nil
}

// Close closes the database handle
func (s *Store) Close() error {
	return s.db.Close()
}
