package logger

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeSetsLevelAndFormat(t *testing.T) {
	Initialize(&Config{Level: "debug", Format: "json", Output: "stdout"}, 0)

	require.NotNil(t, GetLogger())
	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, GetLogger().Formatter)
	assert.Equal(t, 0, Rank())
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	Initialize(&Config{Level: "shouting", Format: "text", Output: "stdout"}, 0)
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())
}

func TestNonZeroRankDiscardsOutput(t *testing.T) {
	Initialize(&Config{Level: "info", Format: "text", Output: "stdout"}, 1)

	assert.Equal(t, io.Discard, GetLogger().Out)
	assert.Equal(t, 1, Rank())
}

func TestRankZeroEmits(t *testing.T) {
	Initialize(&Config{Level: "info", Format: "text", Output: "stdout"}, 0)

	var buf bytes.Buffer
	GetLogger().SetOutput(&buf)
	GetLogger().Info("checkpoint written")
	assert.Contains(t, buf.String(), "checkpoint written")
}
