package serial

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/fragdl/internal/downloaders/ffmpeg"
	"github.com/tanq16/fragdl/internal/encoder"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader runs every item as a complete download of its own, one after
// another, then joins the results with the ffmpeg concat demuxer.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	if dctx.Filename == utils.URLNone {
		return retry.Fatal(errors.New("serial formats cannot be written to stdout"))
	}
	e := dctx.Engine()
	total := len(desc.Items)
	parts := make([]string, 0, total)
	for i := range desc.Items {
		item := desc.Items[i]
		item.HTTPHeaders = desc.HTTPHeaders.Merge(item.HTTPHeaders)
		if item.Ext == "" {
			item.Ext = desc.Ext
		}
		name := ItemName(dctx.Filename, i+1, item.Ext)
		dctx.Log.Info().Msgf("Downloading item %d of %d", i+1, total)
		res, err := e.Download(ctx, name, &item)
		if err != nil {
			return fmt.Errorf("serial item %d of %d: %w", i+1, total, err)
		}
		parts = append(parts, res.Filename)
	}

	list := dctx.Filename + ".concat.txt"
	if err := encoder.WriteConcatList(list, parts); err != nil {
		return err
	}
	dctx.Processing()
	err := ffmpeg.Run(ctx, dctx, encoder.ConcatArgs(list, desc.Ext, ffmpeg.Target(dctx)))
	os.Remove(list)
	if err != nil {
		return fmt.Errorf("error concatenating %d items: %w", total, err)
	}
	for _, p := range parts {
		if err := os.Remove(p); err != nil {
			dctx.Log.Debug().Err(err).Msgf("Could not remove intermediate %s", p)
		}
	}
	return nil
}

// ItemName derives the intermediate file of item n, "show.mp4" -> "show.item01.mp4".
func ItemName(filename string, n int, ext string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if ext == "" {
		ext = strings.TrimPrefix(filepath.Ext(filename), ".")
	}
	name := fmt.Sprintf("%s.item%02d", base, n)
	if ext != "" {
		name += "." + strings.TrimPrefix(ext, ".")
	}
	return name
}
