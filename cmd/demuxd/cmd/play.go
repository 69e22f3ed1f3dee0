package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/demuxd/internal/control"
	"github.com/jmylchreest/demuxd/internal/demux/builtin"
	"github.com/jmylchreest/demuxd/internal/drm"
	"github.com/jmylchreest/demuxd/internal/parser"
	"github.com/jmylchreest/demuxd/internal/source"
	"github.com/jmylchreest/demuxd/internal/storage"
	"github.com/jmylchreest/demuxd/internal/version"
	"github.com/jmylchreest/demuxd/pkg/duration"
	"github.com/jmylchreest/demuxd/pkg/format"
)

// idlePoll is how long the driver sleeps when a delivery pass found
// nothing to do.
const idlePoll = 5 * time.Millisecond

var playOpts struct {
	contentType string
	seek        string
	rate        int32
	lowPower    bool
	limit       time.Duration
	resume      bool
	playlist    bool
	control     bool
	controlAddr string
	dumpDir     string
	jsonOut     bool
	noBuffering bool
}

var playCmd = &cobra.Command{
	Use:   "play <uri>",
	Short: "Open a track and deliver its work units",
	Long: `Open a track from a path, file://, http(s):// or HLS URI and run the
delivery loop until every stream ends, the --for limit passes or the process
is interrupted. A per-stream summary is printed at the end.

With --playlist the URI names an M3U track playlist and each entry is
played in turn.

Examples:
  demuxd play song.mp3
  demuxd play --seek 1:30 --rate 2000 https://example.com/live/index.m3u8
  demuxd play --control --dump ./out movie.ts
  demuxd play --playlist --resume album.m3u`,
	Args: cobra.ExactArgs(1),
	RunE: runPlay,
}

func init() {
	f := playCmd.Flags()
	f.StringVar(&playOpts.contentType, "content-type", "", "declared MIME type of the track")
	f.StringVar(&playOpts.seek, "seek", "", "start position, e.g. 90s or 1:30")
	f.Int32Var(&playOpts.rate, "rate", 1000, "playback rate in per-mille (2000 is double speed)")
	f.BoolVar(&playOpts.lowPower, "low-power", false, "deliver from prefetched offsets when the track qualifies")
	f.DurationVar(&playOpts.limit, "for", 0, "stop after this long (0 runs to the end)")
	f.BoolVar(&playOpts.resume, "resume", false, "start from the stored bookmark")
	f.BoolVar(&playOpts.playlist, "playlist", false, "treat the URI as an M3U playlist of tracks")
	f.BoolVar(&playOpts.control, "control", false, "serve the control API while playing")
	f.StringVar(&playOpts.controlAddr, "control-addr", "", "control API address (overrides control.addr)")
	f.StringVar(&playOpts.dumpDir, "dump", "", "write each stream's payloads to files in this directory")
	f.BoolVar(&playOpts.jsonOut, "json", false, "print the summary as JSON")
	f.BoolVar(&playOpts.noBuffering, "no-buffering", false, "disable the buffering monitor")
	rootCmd.AddCommand(playCmd)
}

type playSummary struct {
	Session  parser.SessionInfo `json:"session"`
	Title    string             `json:"title,omitempty"`
	Position time.Duration      `json:"position"`
	Elapsed  time.Duration      `json:"elapsed"`
	Complete bool               `json:"complete"`
	Streams  []streamTally      `json:"streams"`
	Error    string             `json:"error,omitempty"`
}

// playItem is one track to play, with the title a playlist gave it.
type playItem struct {
	track parser.Track
	title string
}

func runPlay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if playOpts.limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, playOpts.limit)
		defer cancel()
	}

	items, err := playItems(ctx, args[0])
	if err != nil {
		return err
	}

	st, err := openOptionalStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	if playOpts.resume && st == nil {
		return fmt.Errorf("--resume: %w", errStoreDisabled)
	}

	var dumpRoot *storage.Sandbox
	if playOpts.dumpDir != "" {
		if dumpRoot, err = storage.NewSandbox(playOpts.dumpDir); err != nil {
			return fmt.Errorf("--dump: %w", err)
		}
	}

	cfg := appConfig
	sink := newConsumer(8*(cfg.Parser.OutputBuffers+1), dumpRoot)
	defer sink.close()

	coord, err := newCoordinator(st, sink, logEvent)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			logger.Warn("coordinator shutdown failed", slog.String("error", err.Error()))
		}
	}()
	coord.SetBuffering(!playOpts.noBuffering && cfg.Buffering.Enabled)

	ctlCtx, stopControl := context.WithCancel(ctx)
	ctlDone := make(chan error, 1)
	if playOpts.control {
		ctlCfg := cfg.Control
		if playOpts.controlAddr != "" {
			ctlCfg.Addr = playOpts.controlAddr
		}
		ln, err := net.Listen("tcp", ctlCfg.Addr)
		if err != nil {
			stopControl()
			return fmt.Errorf("control endpoint: %w", err)
		}
		srv := control.NewServer(ctlCfg, coord, logger, version.Short())
		go func() { ctlDone <- srv.Serve(ctlCtx, ln) }()
	} else {
		ctlDone <- nil
	}

	var summaries []playSummary
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if dumpRoot != nil && len(items) > 1 {
			if sink.dump, err = dumpRoot.Sub(fmt.Sprintf("track-%03d", i+1)); err != nil {
				stopControl()
				return fmt.Errorf("creating dump directory: %w", err)
			}
		}

		summary, err := playTrack(ctx, cmd, coord, sink, st, item, i == 0)
		if err != nil {
			if len(items) == 1 {
				stopControl()
				<-ctlDone
				return err
			}
			logger.Warn("skipping playlist entry",
				slog.Int("entry", i+1),
				slog.String("uri", item.track.URI),
				slog.String("error", err.Error()))
			summary = playSummary{Session: parser.SessionInfo{URI: item.track.URI}, Error: err.Error()}
		}
		summary.Title = item.title
		summaries = append(summaries, summary)
		if sink.dump != nil {
			writeDumpSummary(sink.dump, summary)
		}
	}

	stopControl()
	if err := <-ctlDone; err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if playOpts.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if len(items) == 1 && len(summaries) == 1 {
			return enc.Encode(summaries[0])
		}
		return enc.Encode(summaries)
	}
	for i, s := range summaries {
		if i > 0 {
			fmt.Fprintln(out)
		}
		if err := printSummary(out, s); err != nil {
			return err
		}
	}
	return nil
}

// playItems returns the single track named by uri, or the entries of the
// playlist at uri when --playlist is set.
func playItems(ctx context.Context, uri string) ([]playItem, error) {
	if !playOpts.playlist {
		return []playItem{{track: parser.Track{URI: uri, ContentType: playOpts.contentType}}}, nil
	}
	entries, err := source.LoadPlaylist(ctx, uri, source.ConfigFromApp(appConfig.Source, logger))
	if err != nil {
		return nil, err
	}
	items := make([]playItem, len(entries))
	for i, e := range entries {
		items[i] = playItem{track: parser.Track{URI: e.URI}, title: e.Title}
	}
	logger.Info("playlist loaded", slog.String("uri", uri), slog.Int("entries", len(items)))
	return items, nil
}

// playTrack opens one track on coord and delivers it until every stream
// ends or ctx is done. The --seek option only applies to the first track.
func playTrack(ctx context.Context, cmd *cobra.Command, coord *parser.Coordinator, sink *consumer, st *store, item playItem, first bool) (playSummary, error) {
	cfg := appConfig
	uri := item.track.URI

	info, err := coord.Open(ctx, item.track)
	if err != nil {
		return playSummary{}, err
	}
	if need := len(info.Streams) * (cfg.Parser.OutputBuffers + 1); cap(sink.ch) < need {
		sink.ch = make(chan parser.Delivery, need)
	}
	if err := sink.prepare(info.Streams, coord.Release); err != nil {
		_ = coord.Close(context.WithoutCancel(ctx))
		return playSummary{}, err
	}
	defer sink.close()
	logger.Info("track opened",
		slog.String("uri", uri),
		slog.String("core", info.Core),
		slog.String("probe_method", info.ProbeMethod),
		slog.Int("streams", len(info.Streams)),
		slog.String("duration", duration.Format(info.Duration)),
		slog.String("bitrate", format.Bitrate(info.Bitrate)),
	)

	if err := applyPlayOptions(ctx, cmd, coord, st, uri, first); err != nil {
		_ = coord.Close(context.WithoutCancel(ctx))
		return playSummary{}, err
	}

	start := time.Now()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancelRun()
		return sink.run(gctx)
	})
	g.Go(func() error {
		return drive(gctx, coord)
	})

	coord.Start()
	runErr := g.Wait()
	coord.Pause()
	sink.drain()

	pos, _ := coord.Position()
	if err := coord.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("closing track failed", slog.String("error", err.Error()))
	}
	if runErr != nil {
		return playSummary{}, runErr
	}
	return playSummary{
		Session:  info,
		Position: pos,
		Elapsed:  time.Since(start),
		Complete: sink.allEnded(),
		Streams:  sink.tallies(),
	}, nil
}

// newCoordinator wires the parser to the built-in cores, the configured
// byte sources and, when available, the probe cache.
func newCoordinator(st *store, sink parser.Sink, onEvent parser.EventHandler) (*parser.Coordinator, error) {
	cfg := appConfig
	srcCfg := source.ConfigFromApp(cfg.Source, logger)

	opts := parser.DefaultOptions()
	opts.Parser = cfg.Parser
	opts.Buffering = cfg.Buffering
	opts.Registry = builtin.Registry()
	opts.OpenSource = func(ctx context.Context, uri string) (source.Source, error) {
		return source.Open(ctx, uri, srcCfg)
	}
	opts.Sink = sink
	opts.OnEvent = onEvent
	opts.DRM = drm.NewManager(logger)
	opts.Logger = logger
	if st != nil {
		opts.Probes = st.cache
	}
	return parser.New(opts)
}

func applyPlayOptions(ctx context.Context, cmd *cobra.Command, coord *parser.Coordinator, st *store, uri string, first bool) error {
	var target time.Duration
	seek := false
	switch {
	case playOpts.seek != "" && first:
		d, err := duration.Parse(playOpts.seek)
		if err != nil {
			return fmt.Errorf("--seek: %w", err)
		}
		target, seek = d, true
	case playOpts.resume:
		d, ok, err := st.cache.Bookmark(ctx, uri)
		if err != nil {
			return fmt.Errorf("reading bookmark: %w", err)
		}
		if ok {
			target, seek = d, true
		} else {
			logger.Info("no bookmark stored, starting from the beginning")
		}
	}
	if seek {
		reached, err := coord.SetPosition(ctx, target)
		if err != nil {
			return fmt.Errorf("seeking: %w", err)
		}
		logger.Info("seeked", slog.String("requested", duration.Format(target)), slog.String("reached", duration.Format(reached)))
	}

	if cmd.Flags().Changed("rate") {
		if err := coord.SetRate(playOpts.rate); err != nil {
			return fmt.Errorf("--rate: %w", err)
		}
		logger.Info("rate set", slog.String("rate", format.Rate(playOpts.rate)))
	}
	if playOpts.lowPower || appConfig.Parser.LowPower {
		if err := coord.SetLowPowerMode(ctx, true); err != nil {
			return fmt.Errorf("enabling low-power mode: %w", err)
		}
		if !coord.LowPowerMode() {
			logger.Info("track does not qualify for low-power delivery")
		}
	}
	return nil
}

// drive runs delivery passes until ctx is done, sleeping briefly whenever a
// pass found nothing to deliver.
func drive(ctx context.Context, coord *parser.Coordinator) error {
	t := time.NewTicker(idlePoll)
	defer t.Stop()
	for {
		more, err := coord.DoWork()
		if err != nil {
			logger.Debug("delivery pass reported errors", slog.String("error", err.Error()))
		}
		if more {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func logEvent(ev parser.Event) {
	attrs := []any{slog.String("event", ev.Kind.String()), slog.String("session", ev.Session)}
	switch ev.Kind {
	case parser.EventBlockError, parser.EventTrackListError:
		attrs = append(attrs, slog.Int("stream", ev.Stream), slog.String("domain", ev.Domain.String()))
		if ev.Err != nil {
			attrs = append(attrs, slog.String("error", ev.Err.Error()))
		}
		if ev.URI != "" {
			attrs = append(attrs, slog.String("uri", ev.URI))
		}
		logger.Warn("parser error", attrs...)
	case parser.EventVideoStreamInit:
		logger.Info("video stream",
			append(attrs,
				slog.Int("stream", ev.Stream),
				slog.Int("width", ev.Width),
				slog.Int("height", ev.Height),
				slog.String("aspect", fmt.Sprintf("%d:%d", ev.AspectNum, ev.AspectDen)))...)
	case parser.EventMetadata, parser.EventMarker:
		logger.Info("stream "+ev.Kind.String(),
			append(attrs,
				slog.Int("stream", ev.Stream),
				slog.String("pts", duration.Format(ev.PTS)),
				slog.Any("metadata", ev.Metadata))...)
	case parser.EventBufferingPercent:
		logger.Debug("buffering", append(attrs, slog.String("percent", format.Percentage(float64(ev.Percent), 0)))...)
	case parser.EventPlaybackState:
		logger.Info("playback state", append(attrs, slog.Bool("paused", ev.Paused))...)
	case parser.EventStreamEnd:
		logger.Info("stream ended", append(attrs, slog.Int("stream", ev.Stream))...)
	default:
		logger.Debug("parser event", attrs...)
	}
}

// writeDumpSummary stores the track summary next to its stream dumps.
func writeDumpSummary(dump *storage.Sandbox, s playSummary) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err == nil {
		err = dump.AtomicWrite("summary.json", data)
	}
	if err != nil {
		logger.Warn("writing dump summary failed", slog.String("error", err.Error()))
	}
}

func printSummary(w io.Writer, s playSummary) error {
	if s.Title != "" {
		fmt.Fprintf(w, "%s\n", s.Title)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "%s failed: %s\n", s.Session.URI, s.Error)
		return nil
	}
	fmt.Fprintf(w, "%s via %s (%s)\n", s.Session.URI, s.Session.Core, s.Session.ProbeMethod)
	fmt.Fprintf(w, "position %s of %s, bitrate %s, elapsed %s\n",
		duration.Format(s.Position), duration.Format(s.Session.Duration),
		format.Bitrate(s.Session.Bitrate), s.Elapsed.Round(time.Millisecond))
	if !s.Complete {
		fmt.Fprintln(w, "stopped before every stream ended")
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tTYPE\tCODEC\tUNITS\tKEYFRAMES\tBYTES\tFIRST\tLAST\tENDED")
	for _, t := range s.Streams {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			t.Index, t.Type, t.Codec,
			format.Number(int64(t.Units)), format.Number(int64(t.Keyframes)), format.Bytes(int64(t.Bytes)),
			duration.Format(t.FirstPTS), duration.Format(t.LastPTS), t.Ended)
	}
	return tw.Flush()
}
