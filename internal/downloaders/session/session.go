package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/retry"
	"github.com/tanq16/fragdl/internal/utils"
)

// Downloader serves session protocols whose server drops the stream unless it
// is kept alive. The engine runs the heartbeat for the whole download; this
// strategy only hands the payload to the inner protocol.
type Downloader struct{}

func (d *Downloader) Download(ctx context.Context, dctx *engine.DownloadContext) error {
	desc := dctx.Desc
	if desc.Heartbeat == nil || desc.Heartbeat.URL == "" {
		return retry.Fatal(errors.New("session download without a heartbeat url"))
	}
	inner := InnerProtocol(desc)
	if inner == desc.Protocol {
		return retry.Fatal(fmt.Errorf("session protocol %s cannot wrap itself", inner))
	}
	dctx.Log.Info().Msgf("Downloading %s session payload", inner)
	return dctx.Engine().Delegate(ctx, dctx, inner)
}

// InnerProtocol is the protocol of the payload, plain http unless stated.
func InnerProtocol(desc *utils.FormatDescriptor) utils.Protocol {
	switch desc.InnerProtocol {
	case "":
		return utils.ProtocolHTTP
	case utils.ProtocolHTTPS:
		return utils.ProtocolHTTP
	}
	return desc.InnerProtocol
}
