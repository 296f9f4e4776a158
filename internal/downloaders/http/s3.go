package fraghttp

import (
	"context"
	"io"
	"os"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/sink"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

type s3Provider interface {
	S3(ctx context.Context) (transport.Transport, error)
}

type objectDownloader interface {
	DownloadTo(ctx context.Context, rawURL string, w io.WriterAt, concurrency int) (int64, error)
}

// downloadS3 fetches a whole object with the parallel manager downloader. It
// reports false when the byte resume path should handle the object instead.
func (d *Downloader) downloadS3(ctx context.Context, dctx *engine.DownloadContext) (bool, error) {
	if dctx.Filename == utils.URLNone {
		return false, nil
	}
	opts := dctx.Options()
	if info, err := os.Stat(dctx.TmpFilename); opts.Continue && err == nil && info.Size() > 0 && dctx.TmpFilename != dctx.Filename {
		return false, nil
	}
	provider, ok := dctx.Engine().Transport().(s3Provider)
	if !ok {
		return false, nil
	}
	t, err := provider.S3(ctx)
	if err != nil {
		return true, err
	}
	od, ok := t.(objectDownloader)
	if !ok {
		return false, nil
	}
	out, err := sink.OpenFile(ctx, dctx.Filename, dctx.TmpFilename, sink.FileOptions{
		Retries: opts.FileAccessRetries,
		Sleep:   opts.RetrySleep[retry.ClassFileAccess],
	})
	if err != nil {
		return true, err
	}
	dctx.SetState(engine.StateDownloading)
	n, err := od.DownloadTo(ctx, dctx.Desc.URL, out, opts.S3Concurrency)
	if err != nil {
		out.Abort()
		return true, err
	}
	dctx.SetTotal(n)
	dctx.AddBytes(n)
	dctx.SetState(engine.StateFinalizing)
	return true, out.Finalize()
}
