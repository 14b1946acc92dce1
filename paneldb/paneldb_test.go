package paneldb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnector(t *testing.T) {
	_, err := connector(Config{})
	assert.Error(t, err)

	cfg, err := connector(Config{
		DSN:  "panel:secret@tcp(db.example:3306)/panel",
		User: "speedprobe",
		Pass: "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "speedprobe", cfg.User)
	assert.Equal(t, "hunter2", cfg.Passwd)
	assert.Equal(t, "db.example:3306", cfg.Addr)
	assert.Equal(t, "panel", cfg.DBName)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, time.UTC, cfg.Loc)

	_, err = connector(Config{DSN: "not a dsn"})
	assert.Error(t, err)
}
