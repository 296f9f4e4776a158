package scheduler

import (
	"github.com/tanq16/fragdl/internal/downloaders/dash"
	"github.com/tanq16/fragdl/internal/downloaders/ffmpeg"
	"github.com/tanq16/fragdl/internal/downloaders/hls"
	fraghttp "github.com/tanq16/fragdl/internal/downloaders/http"
	"github.com/tanq16/fragdl/internal/downloaders/images"
	"github.com/tanq16/fragdl/internal/downloaders/livesession"
	"github.com/tanq16/fragdl/internal/downloaders/serial"
	"github.com/tanq16/fragdl/internal/downloaders/session"
	"github.com/tanq16/fragdl/internal/downloaders/websocket"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/transport"
	"github.com/tanq16/fragdl/internal/utils"
)

// NewRegistry maps every protocol tag to its strategy. https shares the http
// entry through the engine.
func NewRegistry() engine.Registry {
	ff := &ffmpeg.Downloader{}
	return engine.Registry{
		utils.ProtocolHTTP:        &fraghttp.Downloader{},
		utils.ProtocolM3U8Native:  &hls.Downloader{},
		utils.ProtocolM3U8:        ff,
		utils.ProtocolLiveFFmpeg:  ff,
		utils.ProtocolDASH:        &dash.Downloader{},
		utils.ProtocolNiconicoDMC: &session.Downloader{},
		utils.ProtocolWebsocket:   &websocket.Downloader{},
		utils.ProtocolImageSeries: &images.Downloader{},
		utils.ProtocolSerial:      &serial.Downloader{},
		utils.ProtocolLiveSession: &livesession.Downloader{},
	}
}

// NewEngine wires the shared HTTP client into a fresh engine: fragments go
// through the transport mux so s3:// URLs work anywhere a URL is accepted.
func NewEngine(opts engine.Options, client *utils.Client, s3Profile string) *engine.Engine {
	return engine.New(opts, NewRegistry(), transport.NewMux(client, s3Profile), client)
}
