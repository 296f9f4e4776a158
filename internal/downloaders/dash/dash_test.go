package dash

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

func mpd(kind string, segments int) string {
	return fmt.Sprintf(`<MPD type=%q>
  <Period>
    <AdaptationSet mimeType="video/mp4">
      <SegmentTemplate media="$RepresentationID$/c$Number$.m4s" initialization="$RepresentationID$/init.mp4" startNumber="1">
        <SegmentTimeline><S t="0" d="2000" r="%d"/></SegmentTimeline>
      </SegmentTemplate>
      <Representation id="low" bandwidth="100000"/>
      <Representation id="high" bandwidth="900000"/>
    </AdaptationSet>
  </Period>
</MPD>`, kind, segments-1)
}

func serve(t *testing.T, manifest func() string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".mpd") {
			fmt.Fprint(w, manifest())
			return
		}
		fmt.Fprintf(w, "[%s]", strings.TrimPrefix(r.URL.Path, "/"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newEngine(srv *httptest.Server) *engine.Engine {
	opts := engine.DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.RetrySleep = map[retry.Class]retry.SleepFunc{
		retry.ClassHTTP:     retry.Constant(0),
		retry.ClassFragment: retry.Constant(0),
	}
	return engine.New(opts, engine.Registry{utils.ProtocolDASH: &Downloader{}}, transport.NewHTTP(srv.Client()), srv.Client())
}

func TestFragmentList(t *testing.T) {
	srv := serve(t, nil)
	out := filepath.Join(t.TempDir(), "a.m4a")
	desc := &utils.FormatDescriptor{
		Protocol:        utils.ProtocolDASH,
		FragmentBaseURL: srv.URL + "/audio/",
		Fragments: []utils.FragmentRef{
			{Index: 0, Path: "init"},
			{Index: 1, Path: "1"},
			{Index: 2, Path: "2", URL: srv.URL + "/elsewhere/2"},
		},
	}
	_, err := newEngine(srv).Download(context.Background(), out, desc)
	require.NoError(t, err)
	data, _ := os.ReadFile(out)
	assert.Equal(t, "[audio/init][audio/1][elsewhere/2]", string(data))
}

func TestStaticManifestPicksRepresentation(t *testing.T) {
	srv := serve(t, func() string { return mpd("static", 2) })
	dir := t.TempDir()

	desc := &utils.FormatDescriptor{Protocol: utils.ProtocolDASH, ManifestURL: srv.URL + "/v.mpd", IsLive: true}
	out := filepath.Join(dir, "best.mp4")
	_, err := newEngine(srv).Download(context.Background(), out, desc)
	require.NoError(t, err)
	data, _ := os.ReadFile(out)
	assert.Equal(t, "[high/init.mp4][high/c1.m4s][high/c2.m4s]", string(data))

	desc.Info = map[string]any{RepresentationKey: "low"}
	out = filepath.Join(dir, "low.mp4")
	_, err = newEngine(srv).Download(context.Background(), out, desc)
	require.NoError(t, err)
	data, _ = os.ReadFile(out)
	assert.Equal(t, "[low/init.mp4][low/c1.m4s][low/c2.m4s]", string(data))
}

func TestUnknownRepresentationFailsFast(t *testing.T) {
	srv := serve(t, func() string { return mpd("dynamic", 2) })
	desc := &utils.FormatDescriptor{
		Protocol:    utils.ProtocolDASH,
		ManifestURL: srv.URL + "/v.mpd",
		IsLive:      true,
		Info:        map[string]any{RepresentationKey: "missing"},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newEngine(srv).Download(ctx, filepath.Join(t.TempDir(), "x.mp4"), desc)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestLiveManifestPolledUntilStatic(t *testing.T) {
	var polls atomic.Int32
	srv := serve(t, func() string {
		switch n := polls.Add(1); {
		case n <= 2:
			return mpd("dynamic", 2)
		case n <= 4:
			return mpd("dynamic", 3)
		default:
			return mpd("static", 4)
		}
	})
	desc := &utils.FormatDescriptor{Protocol: utils.ProtocolDASH, ManifestURL: srv.URL + "/live.mpd", IsLive: true}
	out := filepath.Join(t.TempDir(), "live.mp4")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := newEngine(srv).Download(ctx, out, desc)
	require.NoError(t, err)
	data, _ := os.ReadFile(out)
	assert.Equal(t, "[high/init.mp4][high/c1.m4s][high/c2.m4s][high/c3.m4s][high/c4.m4s]", string(data))
}
