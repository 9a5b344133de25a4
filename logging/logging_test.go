package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRejectsInvalidThreshold(t *testing.T) {
	_, err := Init(jww.Threshold(42), "-")
	assert.Error(t, err)
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "megagram.log")

	closer, err := Init(jww.LevelInfo, path)
	require.NoError(t, err)
	jww.WARN.Printf("file logging works")
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "file logging works")

	// Leave the global logger quiet for other tests.
	_, err = Init(jww.LevelInfo, "")
	require.NoError(t, err)
}

func TestMemoryLogKeepsRecentLinesAboveThreshold(t *testing.T) {
	ml, err := NewMemoryLog(jww.LevelWarn, 64)
	require.NoError(t, err)

	assert.Nil(t, ml.Listen(jww.LevelInfo))
	require.NotNil(t, ml.Listen(jww.LevelError))

	_, err = ml.Listen(jww.LevelWarn).Write([]byte(strings.Repeat("a", 60)))
	require.NoError(t, err)
	_, err = ml.Listen(jww.LevelWarn).Write([]byte("tail-marker"))
	require.NoError(t, err)

	got := string(ml.Bytes())
	assert.Len(t, got, 64)
	assert.True(t, strings.HasSuffix(got, "tail-marker"))
	assert.Equal(t, int64(71), ml.Size())
}

func TestMemoryLogReceivesJWWOutput(t *testing.T) {
	ml, err := NewMemoryLog(jww.LevelInfo, DefaultMemoryLogSize)
	require.NoError(t, err)

	AddListener(ml.Listen)
	t.Cleanup(ResetListeners)

	jww.INFO.Printf("listener sees this")
	jww.DEBUG.Printf("listener skips this")

	got := string(ml.Bytes())
	assert.Contains(t, got, "listener sees this")
	assert.NotContains(t, got, "listener skips this")
}

func TestPreview(t *testing.T) {
	assert.Equal(t, `"short"`, Preview("short"))

	long := Preview(strings.Repeat("x", 200) + "end")
	assert.LessOrEqual(t, len(long), 64)
	assert.Contains(t, long, "...")
	assert.True(t, strings.HasPrefix(long, `"xx`))
}
