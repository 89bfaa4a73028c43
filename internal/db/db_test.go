package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/legalfunnel/internal/logger"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite", "file:dbtest?mode=memory&cache=shared", logger.NewNop())
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrateAll(gdb, logger.NewNop()))
	for _, table := range []string{
		"users", "chat_cache", "conversation_sessions", "conversation_messages",
		"paid_sessions", "paid_messages", "unpaid_sessions_with_email", "unpaid_messages",
		"session_statistics",
	} {
		assert.True(t, gdb.Migrator().HasTable(table), table)
	}
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "whatever", nil)
	assert.ErrorContains(t, err, "unsupported DB_DRIVER")
}
