package fraghttp

import (
	"context"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/fragments"
	"github.com/tanq16/fragdl/internal/utils"
)

func chunkSize(opts engine.Options) int64 {
	if opts.HTTPChunkSize > 0 {
		return opts.HTTPChunkSize
	}
	return utils.DefaultBufferSize
}

// parallel splits a ranged resource into chunk fragments so that every chunk
// gets fragment retries and the side-car resume state.
func (d *Downloader) parallel(ctx context.Context, dctx *engine.DownloadContext, size int64) error {
	frags := chunkFragments(dctx.Desc.URL, size, chunkSize(dctx.Options()))
	dctx.SetTotal(size)
	dctx.Log.Debug().Msgf("Downloading %d bytes in %d chunks", size, len(frags))
	return dctx.Engine().DownloadFragments(ctx, dctx, engine.FragmentJob{
		Source:  fragments.NewStatic(frags),
		Headers: dctx.Desc.HTTPHeaders,
	})
}

func chunkFragments(link string, size, chunk int64) []utils.FragmentRef {
	var out []utils.FragmentRef
	for i, start := 1, int64(0); start < size; i, start = i+1, start+chunk {
		end := min(start+chunk, size) - 1
		out = append(out, utils.FragmentRef{Index: i, URL: link, Range: &utils.ByteRange{Start: start, End: end}})
	}
	return out
}
