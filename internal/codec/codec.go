// Package codec names the elementary stream codecs the demuxer cores
// produce and records what the rest of the system needs to know about each.
package codec

import "strings"

// Codec names as reported in demux.StreamInfo.Codec.
const (
	H264 = "h264"
	H265 = "h265"
	AV1  = "av1"
	VP9  = "vp9"

	AAC  = "aac"
	MP3  = "mp3"
	MP2  = "mp2"
	AC3  = "ac3"
	EAC3 = "eac3"
	Opus = "opus"
)

// Kind is the broad class of a codec.
type Kind int

const (
	KindUnknown Kind = iota
	KindAudio
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Info describes a codec.
type Info struct {
	Name string
	Kind Kind
	// Extension is the file extension for a raw elementary stream dump.
	Extension string
	// FrameDirect marks audio codecs whose frames are self-delimiting, so
	// they can be delivered straight from byte ranges without a parse pass.
	FrameDirect bool
}

var registry = map[string]Info{
	H264: {Name: H264, Kind: KindVideo, Extension: "h264"},
	H265: {Name: H265, Kind: KindVideo, Extension: "h265"},
	AV1:  {Name: AV1, Kind: KindVideo, Extension: "obu"},
	VP9:  {Name: VP9, Kind: KindVideo, Extension: "vp9"},
	AAC:  {Name: AAC, Kind: KindAudio, Extension: "aac", FrameDirect: true},
	MP3:  {Name: MP3, Kind: KindAudio, Extension: "mp3", FrameDirect: true},
	MP2:  {Name: MP2, Kind: KindAudio, Extension: "mp2", FrameDirect: true},
	AC3:  {Name: AC3, Kind: KindAudio, Extension: "ac3", FrameDirect: true},
	EAC3: {Name: EAC3, Kind: KindAudio, Extension: "eac3"},
	Opus: {Name: Opus, Kind: KindAudio, Extension: "opus"},
}

var aliases = map[string]string{
	"avc":     H264,
	"avc1":    H264,
	"h.264":   H264,
	"hevc":    H265,
	"hvc1":    H265,
	"hev1":    H265,
	"h.265":   H265,
	"av01":    AV1,
	"vp09":    VP9,
	"mp4a":    AAC,
	"mpga":    MP3,
	"mpeg1l3": MP3,
	"mpeg1l2": MP2,
	"a52":     AC3,
	"ac-3":    AC3,
	"e-ac-3":  EAC3,
	"ec-3":    EAC3,
}

// Normalize maps a codec name or common alias to its canonical name.
// Unknown names are returned lower-cased.
func Normalize(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[n]; ok {
		return canonical
	}
	return n
}

// Lookup returns the Info for name, after normalization.
func Lookup(name string) (Info, bool) {
	info, ok := registry[Normalize(name)]
	return info, ok
}

// Extension returns the dump file extension for name, or "bin".
func Extension(name string) string {
	if info, ok := Lookup(name); ok {
		return info.Extension
	}
	return "bin"
}

// FrameDirect reports whether name qualifies for low-power delivery.
func FrameDirect(name string) bool {
	info, ok := Lookup(name)
	return ok && info.FrameDirect
}

// KindOf returns the codec class of name.
func KindOf(name string) Kind {
	info, _ := Lookup(name)
	return info.Kind
}
