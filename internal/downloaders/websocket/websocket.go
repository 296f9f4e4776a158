package websocket

import (
	"context"
	"fmt"

	"github.com/tanq16/fragdl/internal/downloaders/ffmpeg"
	"github.com/tanq16/fragdl/internal/encoder"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/live"
	"github.com/tanq16/fragdl/internal/sink"
)

// Downloader pipes every message of a websocket stream into ffmpeg. Whatever
// ends the connection ends the stream, so the recording is always finalized.
type Downloader struct {
	Dial live.Dialer
}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	dial := d.Dial
	if dial == nil {
		dial = live.Dial
	}
	dctx.Live = true

	conn, err := dial(ctx, desc.URL, desc.HTTPHeaders.HTTPHeader())
	if err != nil {
		return err
	}
	defer conn.Close()

	proc, err := ffmpeg.Start(dctx, encoder.PipeArgs(desc.Ext, ffmpeg.Target(dctx)))
	if err != nil {
		return err
	}
	out := sink.NewPipe(proc)
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := receive(conn, out, dctx); err != nil {
		out.Abort()
		return err
	}
	if ctx.Err() != nil {
		dctx.Log.Info().Msg("Interrupted, closing the encoder input")
	}

	dctx.SetState(engine.StateFinalizing)
	if err := out.Finalize(); err != nil {
		if stderr := proc.Stderr(); stderr != "" {
			return fmt.Errorf("%w: %s", err, stderr)
		}
		return err
	}
	return dctx.Commit(context.WithoutCancel(ctx))
}

// receive copies messages until the connection goes away. Only a failing sink
// is an error. Text frames are written as their UTF-8 bytes.
func receive(conn live.Conn, out sink.Sink, dctx *engine.DownloadContext) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			dctx.Log.Debug().Err(err).Msg("Websocket stream ended")
			return nil
		}
		if err := out.Append(data); err != nil {
			return err
		}
		dctx.AddBytes(int64(len(data)))
	}
}
