package images

import (
	"context"
	"fmt"
	"os"

	"github.com/tanq16/fragdl/internal/downloaders/ffmpeg"
	"github.com/tanq16/fragdl/internal/encoder"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/fragments"
)

// Suffix of the file the raw images are collected in before encoding.
const Suffix = ".images"

// Downloader turns a list of still images into a video. The images are
// fetched like fragments into one file, with missing ones skipped, and then
// fed to ffmpeg as an image2pipe stream.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	framerate, err := encoder.Framerate(desc.FrameCount, desc.Duration, desc.FPS)
	if err != nil {
		return err
	}

	images := dctx.Filename + Suffix
	ictx := dctx.Derive(images)
	err = dctx.Engine().DownloadFragments(ctx, ictx, engine.FragmentJob{
		Source:          fragments.NewStatic(desc.Fragments),
		BaseURL:         desc.FragmentBaseURL,
		Headers:         desc.HTTPHeaders,
		SkipUnavailable: true,
	})
	if err != nil {
		return fmt.Errorf("error downloading images: %w", err)
	}
	if gaps := ictx.Gaps(); len(gaps) > 0 {
		dctx.Log.Warn().Msgf("%d of %d images were unavailable", len(gaps), len(desc.Fragments))
	}

	dctx.Processing()
	args := encoder.ImageSeriesArgs(images, framerate, desc.Ext, ffmpeg.Target(dctx), desc.FFmpegArgs)
	if err := ffmpeg.Run(ctx, dctx, args); err != nil {
		return err
	}
	if err := os.Remove(images); err != nil {
		dctx.Log.Debug().Err(err).Msg("Could not remove image file")
	}
	return nil
}
