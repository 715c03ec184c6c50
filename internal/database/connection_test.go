package database

import (
	"context"
	"testing"

	"github.com/franciscosanchezn/gin-sso/internal/config"
	"github.com/franciscosanchezn/gin-sso/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDatabaseSQLiteMemory(t *testing.T) {
	db, err := InitDatabase(context.Background(), DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)

	require.NoError(t, Migrate(db))
	for _, model := range models.All() {
		assert.True(t, db.Migrator().HasTable(model), "%T", model)
	}
}

func TestInitDatabaseUnsupportedDriver(t *testing.T) {
	_, err := InitDatabase(context.Background(), DatabaseConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestDatabaseConfig(t *testing.T) {
	cfg := FromConfig(&config.Config{
		DBDriver:   "Postgres",
		DBHost:     "db",
		DBPort:     "5432",
		DBUser:     "sso",
		DBPassword: "s3cret",
		DBName:     "sso",
		DBSSLMode:  "disable",
	})

	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "host=db user=sso password=s3cret dbname=sso port=5432 sslmode=disable", cfg.DSN())
	assert.NotContains(t, cfg.String(), "s3cret")
	assert.False(t, cfg.isMemory())

	lite := DatabaseConfig{Path: "file::memory:?cache=shared"}
	assert.Equal(t, "file::memory:?cache=shared", lite.DSN())
	assert.True(t, lite.isMemory())
}
