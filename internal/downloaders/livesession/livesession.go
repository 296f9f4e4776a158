package livesession

import (
	"context"
	"errors"
	"time"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/live"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader waits for a websocket session to offer a playback URL and records
// it with ffmpeg while the session is kept open in the background.
type Downloader struct {
	Dial live.Dialer
}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	info := desc.LiveSession
	dctx.Live = true

	sessCtx, stopSession := context.WithCancel(ctx)
	opts := dctx.Options()
	a := live.New(live.Options{
		URL:            info.WebsocketURL,
		Headers:        desc.HTTPHeaders,
		Quality:        info.Quality,
		Latency:        info.Latency,
		ReconnectDelay: opts.ReconnectDelay,
		MaxReconnects:  opts.MaxReconnects,
		Dial:           d.Dial,
	})
	a.Start(sessCtx)
	dctx.OnClose(func() error {
		stopSession()
		<-a.Done()
		if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	url, err := a.WaitURL(ctx)
	if err != nil {
		return err
	}
	dctx.Log.Info().Msg("Live session offered a stream")

	if info.HeartbeatMessage != "" {
		interval := time.Duration(info.HeartbeatInterval * float64(time.Second))
		if err := dctx.AddAugment(ctx, a.Heartbeat(info.HeartbeatMessage, interval)); err != nil {
			return err
		}
	}

	// a session error while recording stops ffmpeg and fails the download
	recCtx, stopRecording := context.WithCancelCause(ctx)
	defer stopRecording(nil)
	go func() {
		select {
		case <-a.Done():
			var sessErr *live.SessionError
			if errors.As(a.Err(), &sessErr) {
				stopRecording(sessErr)
			}
		case <-recCtx.Done():
		}
	}()

	prev := dctx.Desc
	next := prev.Clone()
	next.URL = url
	dctx.Desc = next
	defer func() { dctx.Desc = prev }()
	err = dctx.Engine().Delegate(recCtx, dctx, utils.ProtocolLiveFFmpeg)
	if cause := context.Cause(recCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}
