package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/parser"
	"github.com/jmylchreest/demuxd/pkg/duration"
	"github.com/jmylchreest/demuxd/pkg/format"
)

var probeOpts struct {
	contentType string
	jsonOut     bool
	timeout     time.Duration
}

var probeCmd = &cobra.Command{
	Use:   "probe <uri>",
	Short: "Open a track and describe its streams",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().StringVar(&probeOpts.contentType, "content-type", "", "declared MIME type of the track")
	probeCmd.Flags().BoolVar(&probeOpts.jsonOut, "json", false, "print the result as JSON")
	probeCmd.Flags().DurationVar(&probeOpts.timeout, "timeout", 30*time.Second, "give up opening after this long")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), probeOpts.timeout)
	defer cancel()

	st, err := openOptionalStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// Delivery never starts, so the sink only has to exist.
	coord, err := newCoordinator(st, parser.SinkFunc(func(parser.Delivery) {}), func(parser.Event) {})
	if err != nil {
		return err
	}
	defer func() { _ = coord.Shutdown(context.WithoutCancel(ctx)) }()
	coord.SetBuffering(false)

	info, err := coord.Open(ctx, parser.Track{URI: args[0], ContentType: probeOpts.contentType})
	if err != nil {
		return err
	}
	if err := coord.Close(ctx); err != nil {
		return err
	}

	if probeOpts.jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	return printSessionInfo(cmd.OutOrStdout(), info)
}

func printSessionInfo(w io.Writer, info parser.SessionInfo) error {
	fmt.Fprintf(w, "uri:       %s\n", info.URI)
	fmt.Fprintf(w, "core:      %s (%s)\n", info.Core, info.ProbeMethod)
	fmt.Fprintf(w, "duration:  %s\n", duration.Format(info.Duration))
	fmt.Fprintf(w, "bitrate:   %s\n", format.Bitrate(info.Bitrate))
	fmt.Fprintf(w, "remote:    %t\n", info.Remote)
	fmt.Fprintf(w, "low power: %t\n\n", info.LowPower)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tTYPE\tCODEC\tBITRATE\tDETAILS")
	for _, st := range info.Streams {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.Index, st.Type, st.Codec, format.Bitrate(int64(st.Bitrate)), streamDetails(st))
	}
	return tw.Flush()
}

func streamDetails(st demux.StreamInfo) string {
	switch st.Type {
	case demux.MediaAudio:
		return fmt.Sprintf("%d Hz, %d ch", st.SampleRate, st.Channels)
	case demux.MediaVideo:
		s := fmt.Sprintf("%dx%d", st.Width, st.Height)
		if st.AspectNum > 0 && st.AspectDen > 0 {
			s += fmt.Sprintf(" (%d:%d)", st.AspectNum, st.AspectDen)
		}
		if st.FrameDuration > 0 {
			s += fmt.Sprintf(", %.3g fps", float64(time.Second)/float64(st.FrameDuration))
		}
		return s
	default:
		return ""
	}
}
