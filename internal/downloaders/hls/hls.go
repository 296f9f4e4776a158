package hls

import (
	"context"
	"fmt"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/fragments"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader is the native m3u8 strategy. It fetches segments itself through
// the fragment loop and hands encrypted playlists over to ffmpeg.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	e := dctx.Engine()
	if len(desc.Fragments) > 0 && !desc.IsLive {
		return e.DownloadFragments(ctx, dctx, engine.FragmentJob{
			Source:  fragments.NewStatic(desc.Fragments),
			BaseURL: desc.FragmentBaseURL,
			Headers: desc.HTTPHeaders,
		})
	}

	manifest := desc.ManifestURL
	if manifest == "" {
		manifest = desc.URL
	}
	if manifest == "" {
		return fmt.Errorf("%w: m3u8 without playlist url", utils.ErrInvalidDescriptor)
	}
	client := e.Client()
	if client == nil {
		return fmt.Errorf("no http client for fetching playlists")
	}

	var playlist *fragments.HLSPlaylist
	m := retry.New(e.Options().Policy(retry.ClassHTTP))
	err := m.Do(ctx, func(ctx context.Context, _ *retry.State) error {
		p, err := fragments.FetchHLS(ctx, client, manifest, desc.HTTPHeaders)
		playlist = p
		return err
	})
	if err != nil {
		return err
	}
	if playlist.Encrypted {
		dctx.Log.Info().Msg("Playlist is encrypted, handing it to ffmpeg")
		return e.Delegate(ctx, dctx, utils.ProtocolM3U8)
	}

	job := engine.FragmentJob{Headers: desc.HTTPHeaders}
	if desc.IsLive || !playlist.Ended {
		opts := e.Options()
		dctx.Live = true
		dctx.Log.Info().Msgf("Following live playlist (from start: %t)", opts.LiveFromStart)
		job.Source = fragments.NewLivePoller(fragments.HLSSnapshots(client, manifest, desc.HTTPHeaders), fragments.PollerOptions{
			Interval:  opts.PollInterval,
			FromStart: opts.LiveFromStart,
		})
	} else {
		dctx.Log.Debug().Msgf("Playlist has %d segments", len(playlist.Fragments))
		job.Source = fragments.NewStatic(playlist.All())
	}
	return e.DownloadFragments(ctx, dctx, job)
}
