package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSandbox_CreatesBase(t *testing.T) {
	base := filepath.Join(t.TempDir(), "dumps", "nested")
	s, err := NewSandbox(base)
	require.NoError(t, err)
	assert.DirExists(t, s.BaseDir())
}

func TestSandbox_ResolvePath(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"stream-0.aac", false},
		{"track-001/stream-1.h264", false},
		{"a/../b.bin", false},
		{".", false},
		{"../escape", true},
		{"a/../../escape", true},
		{"/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := s.ResolvePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(s.BaseDir(), filepath.Clean(tt.path)), got)
		})
	}
}

func TestSandbox_CreateAndSub(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	sub, err := s.Sub("track-001")
	require.NoError(t, err)
	f, err := sub.Create("deep/stream-0.mp3")
	require.NoError(t, err)
	_, err = f.WriteString("frames")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(filepath.Join(s.BaseDir(), "track-001", "deep", "stream-0.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))

	_, err = s.Sub("../outside")
	assert.Error(t, err)
}

func TestSandbox_AtomicWrite(t *testing.T) {
	s, err := NewSandbox(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.AtomicWrite("summary.json", []byte(`{"a":1}`)))
	require.NoError(t, s.AtomicWrite("summary.json", []byte(`{"a":2}`)))

	entries, err := s.List(".")
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left behind")
	data, err := os.ReadFile(filepath.Join(s.BaseDir(), "summary.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(data))
}
