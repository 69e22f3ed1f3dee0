package control

import (
	"context"
	"errors"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/demuxd/internal/config"
	"github.com/jmylchreest/demuxd/internal/demux"
	"github.com/jmylchreest/demuxd/internal/parser"
	"github.com/jmylchreest/demuxd/pkg/duration"
)

// Controller is the slice of the coordinator the control API drives.
type Controller interface {
	Stats() parser.Stats
	SetPosition(ctx context.Context, pos time.Duration) (time.Duration, error)
	SetRate(rate int32) error
	SetLowPowerMode(ctx context.Context, enabled bool) error
	SetCacheThresholds(w parser.Watermarks) error
	Start()
	Pause()
}

type handler struct {
	ctl Controller
}

type StatusOutput struct {
	Body parser.Stats
}

type SeekInput struct {
	Position string `query:"position" required:"true" doc:"Target position, e.g. 90s, 1:30 or 1 minute 30 seconds"`
}

type SeekResult struct {
	Position  time.Duration `json:"position" doc:"Position reached, in nanoseconds"`
	Formatted string        `json:"formatted"`
	Requested time.Duration `json:"requested"`
}

type SeekOutput struct {
	Body SeekResult
}

type RateInput struct {
	Value int32 `query:"value" required:"true" doc:"Playback rate in per-mille; 1000 is normal speed"`
}

type LowPowerInput struct {
	Enabled bool `query:"enabled" required:"true"`
}

// WatermarksInput takes byte sizes such as 512KiB or 2MB.
type WatermarksInput struct {
	High  string `query:"high" required:"true"`
	Low   string `query:"low" required:"true"`
	Start string `query:"start" required:"true"`
}

type Ack struct {
	Status string `json:"status"`
}

type AckOutput struct {
	Body Ack
}

func ack() *AckOutput {
	return &AckOutput{Body: Ack{Status: "ok"}}
}

func (h *handler) register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/status",
		Summary:     "Coordinator status",
		Tags:        []string{"Control"},
	}, h.status)

	huma.Register(api, huma.Operation{
		OperationID: "seek",
		Method:      "POST",
		Path:        "/seek",
		Summary:     "Seek the open track",
		Tags:        []string{"Control"},
	}, h.seek)

	huma.Register(api, huma.Operation{
		OperationID: "setRate",
		Method:      "POST",
		Path:        "/rate",
		Summary:     "Set the playback rate",
		Tags:        []string{"Control"},
	}, h.rate)

	huma.Register(api, huma.Operation{
		OperationID: "setLowPower",
		Method:      "POST",
		Path:        "/lowpower",
		Summary:     "Toggle low-power delivery",
		Tags:        []string{"Control"},
	}, h.lowPower)

	huma.Register(api, huma.Operation{
		OperationID: "setWatermarks",
		Method:      "POST",
		Path:        "/watermarks",
		Summary:     "Override the buffering watermarks",
		Tags:        []string{"Control"},
	}, h.watermarks)

	huma.Register(api, huma.Operation{
		OperationID: "start",
		Method:      "POST",
		Path:        "/start",
		Summary:     "Resume delivery",
		Tags:        []string{"Control"},
	}, func(_ context.Context, _ *struct{}) (*AckOutput, error) {
		h.ctl.Start()
		return ack(), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pause",
		Method:      "POST",
		Path:        "/pause",
		Summary:     "Pause delivery",
		Tags:        []string{"Control"},
	}, func(_ context.Context, _ *struct{}) (*AckOutput, error) {
		h.ctl.Pause()
		return ack(), nil
	})
}

func (h *handler) status(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: h.ctl.Stats()}, nil
}

func (h *handler) seek(ctx context.Context, in *SeekInput) (*SeekOutput, error) {
	pos, err := duration.Parse(in.Position)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid position", err)
	}
	reached, err := h.ctl.SetPosition(ctx, pos)
	if err != nil {
		return nil, apiError(err)
	}
	return &SeekOutput{Body: SeekResult{
		Position:  reached,
		Formatted: duration.Format(reached),
		Requested: pos,
	}}, nil
}

func (h *handler) rate(_ context.Context, in *RateInput) (*AckOutput, error) {
	if in.Value == 0 {
		return nil, huma.Error400BadRequest("rate must not be zero")
	}
	if err := h.ctl.SetRate(in.Value); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

func (h *handler) lowPower(ctx context.Context, in *LowPowerInput) (*AckOutput, error) {
	if err := h.ctl.SetLowPowerMode(ctx, in.Enabled); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

func (h *handler) watermarks(_ context.Context, in *WatermarksInput) (*AckOutput, error) {
	var w parser.Watermarks
	for _, f := range []struct {
		raw string
		dst *int64
	}{{in.High, &w.High}, {in.Low, &w.Low}, {in.Start, &w.Start}} {
		n, err := config.ParseByteSize(f.raw)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid watermark", err)
		}
		*f.dst = n.Bytes()
	}
	if err := h.ctl.SetCacheThresholds(w); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

func apiError(err error) error {
	switch {
	case errors.Is(err, parser.ErrNoSession):
		return huma.Error409Conflict("no track is open", err)
	case errors.Is(err, parser.ErrShutdown):
		return huma.Error503ServiceUnavailable("coordinator is shut down", err)
	case errors.Is(err, demux.ErrNotSupported):
		return huma.Error422UnprocessableEntity("not supported by the current core", err)
	case errors.Is(err, parser.ErrInvalidWatermarks):
		return huma.Error400BadRequest("invalid watermarks", err)
	case errors.Is(err, parser.ErrBufferingInactive):
		return huma.Error409Conflict("buffering is not active", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return huma.Error504GatewayTimeout("request cancelled", err)
	default:
		return huma.Error500InternalServerError("operation failed", err)
	}
}
