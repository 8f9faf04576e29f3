package store

import (
	"github.com/XANi/ecos2mqtt/integration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(Config{DSN: filepath.Join(t.TempDir(), "entries.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(id, uid string) integration.ConfigEntry {
	return integration.ConfigEntry{
		EntryID:  id,
		UniqueID: uid,
		Title:    uid + "@example.com",
		Version:  1,
		Data:     integration.Data{ID: uid, Username: uid + "@example.com", Password: "pw", Host: "api-ecos-eu.weiheng-tech.com"},
	}
}

func TestStore(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Add(entry("e1", "u1")))
	require.NoError(t, s.Add(entry("e2", "u2")))

	exists, err := s.HasUniqueID("u1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.HasUniqueID("u3")
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := s.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, entry("e1", "u1"), got)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "e1", list[0].EntryID)

	require.NoError(t, s.Remove("e1"))
	_, err = s.Get("e1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Remove("e1"), ErrNotFound)
}

func TestStoreRejectsDuplicateUniqueID(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Add(entry("e1", "u1")))
	assert.Error(t, s.Add(entry("e2", "u1")))
}

func TestDialector(t *testing.T) {
	assert.IsType(t, &postgres.Dialector{}, dialector("postgres://user:pw@localhost/ecos"))
	assert.IsType(t, &postgres.Dialector{}, dialector("host=localhost user=ecos dbname=ecos"))
	assert.IsType(t, &sqlite.Dialector{}, dialector("/var/lib/ecos2mqtt/entries.db"))
}

func TestStoreLogsThroughZap(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := Open(Config{
		DSN:    filepath.Join(t.TempDir(), "entries.db"),
		Logger: zap.New(core).Sugar(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, logs.FilterMessage("query failed").Len(), "not found is not a query failure")
	assert.Zero(t, logs.FilterMessage("query").Len(), "queries are only logged in debug")

	require.Error(t, s.db.Exec("SELECT * FROM no_such_table").Error)
	failed := logs.FilterMessage("query failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zapcore.ErrorLevel, failed[0].Level)
	assert.Equal(t, "gorm", failed[0].LoggerName)
	assert.Contains(t, failed[0].ContextMap()["sql"], "no_such_table")
}

func TestStoreDebugLogsQueries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s, err := Open(Config{
		DSN:    filepath.Join(t.TempDir(), "entries.db"),
		Logger: zap.New(core).Sugar(),
		Debug:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.List()
	require.NoError(t, err)
	assert.NotZero(t, logs.FilterMessage("query").Len())
}
