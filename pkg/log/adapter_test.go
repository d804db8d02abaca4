package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerLogrusAdapter_Levels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	adapter := NewBadgerLogrusAdapter(logrus.NewEntry(logger))

	adapter.Errorf("error %s", "x")
	adapter.Warningf("warning %d", 42)
	adapter.Infof("compaction %v", true)
	adapter.Debugf("debug")

	entries := hook.AllEntries()
	require.Len(t, entries, 4)
	assert.Equal(t, logrus.ErrorLevel, entries[0].Level)
	assert.Equal(t, logrus.WarnLevel, entries[1].Level)
	assert.Equal(t, logrus.DebugLevel, entries[2].Level, "badger info is demoted")
	assert.Equal(t, "compaction true", entries[2].Message)
	assert.Equal(t, "badger", entries[3].Data["component"])
}

func TestBadgerLogrusAdapter_InfoHiddenAtInfoLevel(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)
	adapter := NewBadgerLogrusAdapter(logrus.NewEntry(logger))

	adapter.Infof("value log GC")
	assert.Empty(t, hook.AllEntries())
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = NewLogger("loud")
	assert.Error(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}
