package dash

import (
	"context"
	"fmt"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/fragments"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// RepresentationKey is the Info entry naming the MPD representation to follow.
// Without it the highest bandwidth representation is used.
const RepresentationKey = "representation_id"

// Downloader fetches dash_frag_urls formats: a fixed fragment list, or a live
// MPD that is polled for new segments.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	e := dctx.Engine()
	if !desc.IsLive && len(desc.Fragments) > 0 {
		return e.DownloadFragments(ctx, dctx, engine.FragmentJob{
			Source:  fragments.NewStatic(desc.Fragments),
			BaseURL: desc.FragmentBaseURL,
			Headers: desc.HTTPHeaders,
		})
	}
	if desc.ManifestURL == "" {
		return fmt.Errorf("%w: dash without fragments or manifest", utils.ErrInvalidDescriptor)
	}
	client := e.Client()
	if client == nil {
		return fmt.Errorf("no http client for fetching manifests")
	}
	snapshots := fragments.DASHSnapshots(client, desc.ManifestURL, representation(desc), desc.HTTPHeaders)

	// one checked fetch so a bad representation fails fast instead of polling forever
	var first *fragments.Snapshot
	m := retry.New(e.Options().Policy(retry.ClassHTTP))
	err := m.Do(ctx, func(ctx context.Context, _ *retry.State) error {
		s, err := snapshots(ctx)
		first = s
		return err
	})
	if err != nil {
		return err
	}

	job := engine.FragmentJob{Headers: desc.HTTPHeaders}
	if desc.IsLive && !first.Ended {
		opts := e.Options()
		dctx.Live = true
		job.Source = fragments.NewLivePoller(snapshots, fragments.PollerOptions{
			Interval:  opts.PollInterval,
			FromStart: opts.LiveFromStart,
		})
	} else {
		frags := first.Fragments
		if first.Header != nil {
			frags = append([]utils.FragmentRef{*first.Header}, frags...)
		}
		job.Source = fragments.NewStatic(frags)
	}
	return e.DownloadFragments(ctx, dctx, job)
}

func representation(desc *utils.FormatDescriptor) string {
	id, _ := desc.Info[RepresentationKey].(string)
	return id
}
