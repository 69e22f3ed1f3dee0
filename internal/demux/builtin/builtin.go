// Package builtin assembles the registry of demuxer plugins shipped with
// demuxd.
package builtin

import (
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/demux/adts"
	"github.com/jmylchreest/demuxd/internal/demux/fmp4"
	"github.com/jmylchreest/demuxd/internal/demux/mp3"
	"github.com/jmylchreest/demuxd/internal/demux/ts"
)

// Registry returns a registry with every built-in plugin. Container formats
// are registered before elementary streams so sniffing prefers them.
func Registry() *demux.Registry {
	r := demux.NewRegistry()
	r.MustRegister(ts.Plugin())
	r.MustRegister(fmp4.Plugin())
	r.MustRegister(adts.Plugin())
	r.MustRegister(mp3.Plugin())
	return r
}
