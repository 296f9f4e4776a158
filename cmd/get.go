package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"
	fraghttp "github.com/tanq16/fragdl/internal/downloaders/http"
	"github.com/tanq16/fragdl/internal/scheduler"
	"github.com/tanq16/fragdl/internal/utils"
)

func newGetCmd() *cobra.Command {
	var (
		outputPath string
		protocol   string
		live       bool
		ext        string
	)
	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download a file, HLS playlist, DASH manifest or websocket stream",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			link := args[0]
			if _, err := url.Parse(link); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid URL format: %v\n", err)
				os.Exit(1)
			}
			format := formatForURL(link, utils.Protocol(protocol))
			format.IsLive = live
			format.Ext = ext
			if format.Ext == "" {
				format.Ext = strings.TrimPrefix(path.Ext(outputPath), ".")
			}
			if outputPath == "" {
				outputPath = defaultOutput(cmd.Context(), link, format)
			}
			runJobs([]scheduler.Job{scheduler.NewJob(outputPath, format)})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (\"-\" for stdout, inferred if not provided)")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Force a protocol (http, m3u8, m3u8_native, dash_frag_urls, live_ffmpeg, websocket-fragment)")
	cmd.Flags().BoolVar(&live, "live", false, "Treat the stream as live")
	cmd.Flags().StringVar(&ext, "ext", "", "Container extension for ffmpeg output (default from output path)")
	return cmd
}

// formatForURL guesses the protocol from the URL unless one is forced.
func formatForURL(link string, forced utils.Protocol) *utils.FormatDescriptor {
	format := &utils.FormatDescriptor{URL: link, Protocol: forced}
	lower := strings.ToLower(link)
	if u, err := url.Parse(lower); err == nil {
		lower = u.Scheme + "://" + u.Host + u.Path
	}
	if format.Protocol == "" {
		switch {
		case strings.HasPrefix(lower, "ws://"), strings.HasPrefix(lower, "wss://"):
			format.Protocol = utils.ProtocolWebsocket
		case strings.HasSuffix(lower, ".m3u8"):
			format.Protocol = utils.ProtocolM3U8Native
		case strings.HasSuffix(lower, ".mpd"):
			format.Protocol = utils.ProtocolDASH
		default:
			format.Protocol = utils.ProtocolHTTP
		}
	}
	switch format.Protocol {
	case utils.ProtocolM3U8Native, utils.ProtocolDASH:
		format.ManifestURL = link
	}
	return format
}

func defaultOutput(ctx context.Context, link string, format *utils.FormatDescriptor) string {
	switch format.Protocol {
	case utils.ProtocolHTTP, utils.ProtocolHTTPS:
		return fraghttp.SuggestFilename(ctx, httpClient, link, nil)
	}
	if format.Ext == "" {
		format.Ext = "mp4"
	}
	name := ""
	if u, err := url.Parse(link); err == nil {
		name = path.Base(u.Path)
		name = strings.TrimSuffix(name, path.Ext(name))
	}
	if name == "" || name == "." || name == "/" {
		name = "stream"
	}
	return name + "." + format.Ext
}
