package demux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePlugin(name string, cts, exts []string, magic string) Plugin {
	return Plugin{
		Name:         name,
		ContentTypes: cts,
		Extensions:   exts,
		Sniff: func(head []byte) bool {
			return len(head) >= len(magic) && string(head[:len(magic)]) == magic
		},
		New: func(CoreConfig) Core { return nil },
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(fakePlugin("alpha", []string{"video/alpha"}, []string{".alp"}, "ALP")))
	require.NoError(t, r.Register(fakePlugin("beta", []string{"audio/beta"}, []string{".bet", ".b"}, "BET")))
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"alpha", "beta"}, r.Names())

	err := r.Register(fakePlugin("alpha", nil, nil, ""))
	assert.Error(t, err)
	assert.Error(t, r.Register(Plugin{Name: "nocons"}))
	assert.Panics(t, func() { r.MustRegister(Plugin{}) })

	p, ok := r.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, []string{".bet", ".b"}, p.Extensions)
	_, ok = r.Lookup("gamma")
	assert.False(t, ok)
}

func TestRegistry_Probe(t *testing.T) {
	tests := []struct {
		name       string
		hint       ProbeHint
		head       string
		wantPlugin string
		wantMethod ProbeMethod
		wantErr    error
	}{
		{"declared with parameters", ProbeHint{ContentType: "Audio/Beta; codecs=x"}, "BET...", "beta", ProbeDeclared, nil},
		{"declared without head", ProbeHint{ContentType: "video/alpha"}, "", "alpha", ProbeDeclared, nil},
		{"declared but contradicted by content", ProbeHint{ContentType: "video/alpha"}, "BET...", "beta", ProbeSniff, nil},
		{"extension", ProbeHint{Path: "/media/file.BET"}, "BET...", "beta", ProbeExtension, nil},
		{"extension from url", ProbeHint{Path: "http://host/x/file.alp?sig=1"}, "ALP", "alpha", ProbeExtension, nil},
		{"unknown type falls back to extension", ProbeHint{ContentType: "application/octet-stream", Path: "a.alp"}, "", "alpha", ProbeExtension, nil},
		{"sniff only", ProbeHint{}, "ALP!", "alpha", ProbeSniff, nil},
		{"nothing matches", ProbeHint{ContentType: "text/plain", Path: "a.txt"}, "zzz", "", 0, ErrUnsupportedFormat},
		{"no information", ProbeHint{}, "", "", 0, ErrUnsupportedFormat},
	}
	r := testRegistry(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Probe(tt.hint, []byte(tt.head))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPlugin, res.Plugin.Name)
			assert.Equal(t, tt.wantMethod, res.Method)
		})
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"song.MP3":                       ".mp3",
		"/a/b/c.ts":                      ".ts",
		"https://cdn.example/v/seg.m4s":  ".m4s",
		"https://cdn.example/v/s.aac?x=": ".aac",
		"relative/seg.ts?token=abc":      ".ts",
		"noext":                          "",
		`C:\media\clip.ts`:               ".ts",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestProbeMethod_String(t *testing.T) {
	assert.Equal(t, "declared", ProbeDeclared.String())
	assert.Equal(t, "extension", ProbeExtension.String())
	assert.Equal(t, "sniff", ProbeSniff.String())
	assert.Equal(t, "unknown", ProbeMethod(9).String())
}
