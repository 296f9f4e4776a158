package ffmpeg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tanq16/fragdl/internal/encoder"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// StopGrace is how long ffmpeg gets to write its trailer after being asked to quit.
const StopGrace = 10 * time.Second

// Downloader hands the whole manifest or stream URL to ffmpeg. It serves the
// m3u8 and live_ffmpeg protocols and any format delegated to it.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	src := desc.URL
	if src == "" {
		src = desc.ManifestURL
	}
	if src == "" {
		return fmt.Errorf("%w: nothing for ffmpeg to read", utils.ErrInvalidDescriptor)
	}
	if desc.Protocol == utils.ProtocolLiveFFmpeg {
		dctx.Live = true
	}
	args := encoder.URLArgs(src, desc.HTTPHeaders, desc.Ext, Target(dctx), desc.FFmpegArgs)
	return Run(ctx, dctx, args)
}

// Target is the path ffmpeg should write to.
func Target(dctx *engine.DownloadContext) string {
	if dctx.Filename == utils.URLNone {
		return encoder.StdoutTarget
	}
	return dctx.TmpFilename
}

// Run starts the encoder and waits for it while reporting the size of its
// output. On cancellation ffmpeg is asked to quit so the file gets a proper
// trailer; a live capture stopped that way is kept as the result.
func Run(ctx context.Context, dctx *engine.DownloadContext, args []string) error {
	p, err := Start(dctx, args)
	if err != nil {
		return err
	}
	stop := watchSize(dctx)
	defer stop()

	select {
	case <-p.Done():
		err = p.Wait()
	case <-ctx.Done():
		dctx.Log.Info().Msg("Interrupted, asking ffmpeg to finish the file")
		stopErr := p.Stop(StopGrace)
		if !dctx.Live || stopErr != nil {
			return ctx.Err()
		}
		dctx.Log.Info().Msg("Live capture stopped, keeping what was recorded")
	}
	if err != nil {
		return err
	}
	dctx.SetState(engine.StateFinalizing)
	return dctx.Commit(context.WithoutCancel(ctx))
}

// Start launches the configured ffmpeg binary after checking it exists.
func Start(dctx *engine.DownloadContext, args []string) (*encoder.Process, error) {
	bin := dctx.Options().FFmpegPath
	if !encoder.Available(bin) {
		return nil, retry.Fatal(fmt.Errorf("%s not found, it is required for %s downloads", bin, dctx.Desc.Protocol))
	}
	if dctx.Filename != utils.URLNone {
		if err := os.MkdirAll(filepath.Dir(dctx.TmpFilename), 0755); err != nil {
			return nil, fmt.Errorf("error creating output directory: %w", err)
		}
	}
	p, err := encoder.Start(bin, args)
	if err != nil {
		return nil, err
	}
	dctx.Log.Debug().Msgf("Started %s (pid %d)", bin, p.PID())
	return p, nil
}

func watchSize(dctx *engine.DownloadContext) func() {
	if dctx.Filename == utils.URLNone {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if info, err := os.Stat(dctx.TmpFilename); err == nil {
					dctx.SetDownloaded(info.Size())
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
