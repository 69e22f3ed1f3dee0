package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"H264":   H264,
		" avc1 ": H264,
		"hevc":   H265,
		"ec-3":   EAC3,
		"mp4a":   AAC,
		"flac":   "flac",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, Normalize(in))
		})
	}
}

func TestFrameDirect(t *testing.T) {
	for _, name := range []string{AAC, MP3, MP2, AC3, "A52"} {
		assert.True(t, FrameDirect(name), name)
	}
	for _, name := range []string{EAC3, Opus, H264, "flac", ""} {
		assert.False(t, FrameDirect(name), name)
	}
}

func TestExtensionAndKind(t *testing.T) {
	assert.Equal(t, "h265", Extension("hevc"))
	assert.Equal(t, "aac", Extension(AAC))
	assert.Equal(t, "bin", Extension("flac"))

	assert.Equal(t, KindVideo, KindOf(AV1))
	assert.Equal(t, KindAudio, KindOf(Opus))
	assert.Equal(t, KindUnknown, KindOf("flac"))
	assert.Equal(t, "video", KindVideo.String())
}
