package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactoryFiltersAndTagsScope(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	l := NewPionFactory("warn").NewLogger("ice")
	l.Debug("dropped")
	l.Infof("dropped %d", 1)
	l.Warnf("kept %d", 2)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "pion/ice", entry["module"])
	assert.Equal(t, "kept 2", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	c, err := Setup(Config{Level: "loud", Format: "json"})
	assert.Error(t, err)
	require.NotNil(t, c)
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	c, err = Setup(Config{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}
