package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), Params{Engine: EngineSQLite, DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNew(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		store, err := New(context.Background(), Params{Engine: EngineSQLite, DSN: filepath.Join(t.TempDir(), "test.db")})
		require.NoError(t, err)
		assert.NotNil(t, store)
		require.NoError(t, store.Close())
	})

	t.Run("invalid path", func(t *testing.T) {
		// try to create database in non-existent directory
		store, err := New(context.Background(), Params{Engine: EngineSQLite, DSN: "/invalid/path/that/does/not/exist/test.db",
			ConnectAttempts: 2, ConnectDelay: time.Millisecond})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 2 attempt(s)")
		assert.Nil(t, store)
	})

	t.Run("unsupported engine", func(t *testing.T) {
		store, err := New(context.Background(), Params{Engine: "mssql", DSN: "something"})
		require.EqualError(t, err, `unsupported database engine "mssql"`)
		assert.Nil(t, store)
	})

	t.Run("empty dsn", func(t *testing.T) {
		_, err := New(context.Background(), Params{Engine: EngineSQLite})
		require.EqualError(t, err, "empty dsn for sqlite")
	})
}

func TestStore_TableCreated(t *testing.T) {
	store := newTestStore(t)

	var count int
	err := store.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='contacts'").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var mode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := New(context.Background(), Params{Engine: EngineSQLite, DSN: dbPath})
	require.NoError(t, err)
	_, err = store.Add(context.Background(), Contact{Name: "john", Email: "john@example.com", Phone: "123"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = New(context.Background(), Params{Engine: EngineSQLite, DSN: dbPath})
	require.NoError(t, err)
	defer store.Close()
	contacts, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "john", contacts[0].Name)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)
}

func TestStore_AddAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	before := time.Now()
	c, err := store.Add(ctx, Contact{Name: "john", Email: "john@example.com", Phone: "+1 555 0100"})
	require.NoError(t, err)
	assert.Positive(t, c.ID)
	assert.WithinDuration(t, before, c.CreatedAt, time.Second)
	assert.Equal(t, "john", c.Name)
	assert.Equal(t, time.UTC, c.CreatedAt.Location())

	// empty values are stored as is
	_, err = store.Add(ctx, Contact{})
	require.NoError(t, err)

	contacts, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Empty(t, contacts[0].Name, "newest first")
	assert.Equal(t, "john", contacts[1].Name)
	assert.Equal(t, "john@example.com", contacts[1].Email)
	assert.Equal(t, "+1 555 0100", contacts[1].Phone)
	assert.Equal(t, c.ID, contacts[1].ID)
	assert.True(t, c.CreatedAt.Equal(contacts[1].CreatedAt), "nanosecond precision kept")
}

func TestStore_ListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	// clock jumps back and forth between inserts
	stamps := []time.Time{base.Add(time.Hour), base.Add(-time.Hour), base, base.Add(2 * time.Hour)}
	for i, ts := range stamps {
		store.now = func() time.Time { return ts }
		_, err := store.Add(ctx, Contact{Name: string(rune('a' + i)), CreatedAt: base.Add(-24 * time.Hour)})
		require.NoError(t, err)
	}

	contacts, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 4)
	names := []string{}
	for i, c := range contacts {
		names = append(names, c.Name)
		if i > 0 {
			assert.True(t, c.CreatedAt.Before(contacts[i-1].CreatedAt), "strictly descending created_at")
		}
	}
	assert.Equal(t, []string{"d", "c", "b", "a"}, names, "reverse insertion order")
	assert.True(t, stamps[3].Equal(contacts[0].CreatedAt), "clock value used when ahead of stored rows")
	assert.True(t, stamps[0].Add(time.Nanosecond).Equal(contacts[2].CreatedAt), "stale clock bumped past newest row")
}

func TestStore_AddStaleStampAfterNewer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	// the request stamped later commits first
	store.now = func() time.Time { return base.Add(time.Second) }
	newer, err := store.Add(ctx, Contact{Name: "committed-first"})
	require.NoError(t, err)

	// the request with an older clock reading commits second
	store.now = func() time.Time { return base }
	later, err := store.Add(ctx, Contact{Name: "committed-second"})
	require.NoError(t, err)
	assert.True(t, later.CreatedAt.After(newer.CreatedAt))
	assert.Greater(t, later.ID, newer.ID)

	contacts, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 2)
	assert.Equal(t, "committed-second", contacts[0].Name)
	assert.Equal(t, "committed-first", contacts[1].Name)
}

func TestStore_ConcurrentAdd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Go(func() {
			_, err := store.Add(ctx, Contact{Name: fmt.Sprintf("user-%d", i), Email: "u@example.com", Phone: "1"})
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	contacts, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, writers, "every submission stored exactly once")
	names := map[string]bool{}
	for i, c := range contacts {
		names[c.Name] = true
		if i > 0 {
			assert.True(t, c.CreatedAt.Before(contacts[i-1].CreatedAt), "created_at follows insertion order")
			assert.Less(t, c.ID, contacts[i-1].ID)
		}
	}
	assert.Len(t, names, writers)
}

func TestStore_ConcurrentAddAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := range 20 {
		wg.Go(func() {
			_, err := store.Add(ctx, Contact{Name: fmt.Sprintf("user-%d", i)})
			errs <- err
		})
		wg.Go(func() {
			_, err := store.List(ctx)
			errs <- err
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	contacts, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, contacts, 20)
}

func Test_sqliteDSN(t *testing.T) {
	tests := []struct{ in, want string }{
		{"contacts.db", "contacts.db?_pragma=busy_timeout(5000)"},
		{"file:contacts.db?mode=rwc", "file:contacts.db?mode=rwc&_pragma=busy_timeout(5000)"},
		{"contacts.db?_pragma=busy_timeout(100)", "contacts.db?_pragma=busy_timeout(100)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sqliteDSN(tt.in))
	}
}

func TestStore_SQLiteBusyTimeout(t *testing.T) {
	store := newTestStore(t)
	assert.Equal(t, 1, store.db.Stats().MaxOpenConnections)

	var timeout int
	require.NoError(t, store.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, sqliteBusyTimeoutMs, timeout)
}

func TestStore_ListSameTimestamp(t *testing.T) {
	store := newTestStore(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return ts }

	for _, name := range []string{"first", "second", "third"} {
		_, err := store.Add(context.Background(), Contact{Name: name})
		require.NoError(t, err)
	}

	contacts, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, contacts, 3)
	assert.Equal(t, "third", contacts[0].Name)
	assert.Equal(t, "second", contacts[1].Name)
	assert.Equal(t, "first", contacts[2].Name)
}

func TestStore_EmptyDatabase(t *testing.T) {
	store := newTestStore(t)
	contacts, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, contacts)
	assert.NotNil(t, contacts)
}

func TestStore_ClosedDatabase(t *testing.T) {
	store, err := New(context.Background(), Params{Engine: EngineSQLite, DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Add(context.Background(), Contact{Name: "john"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to acquire connection")

	_, err = store.List(context.Background())
	require.Error(t, err)
}

func TestStore_CanceledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Add(ctx, Contact{Name: "john"})
	require.Error(t, err)

	contacts, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, contacts, "canceled insert must not leave a row")
}

func TestParseEngine(t *testing.T) {
	tests := []struct {
		in      string
		want    Engine
		wantErr bool
	}{
		{"sqlite", EngineSQLite, false},
		{"SQLite", EngineSQLite, false},
		{" postgres ", EnginePostgres, false},
		{"mysql", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEngine(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_driver(t *testing.T) {
	assert.Equal(t, "sqlite", EngineSQLite.driver())
	assert.Equal(t, "pgx", EnginePostgres.driver())
}
