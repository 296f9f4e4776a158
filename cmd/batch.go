package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/fragdl/internal/output"
	"github.com/tanq16/fragdl/internal/scheduler"
	"github.com/tanq16/fragdl/internal/utils"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

// BatchFile groups entries by protocol section. The "info" section lists
// descriptor files instead of URLs.
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading YAML file: %v\n", err)
				os.Exit(1)
			}
			var batchFile BatchFile
			if err := yaml.Unmarshal(data, &batchFile); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing YAML file: %v\n", err)
				os.Exit(1)
			}
			jobs := buildJobsFromBatch(batchFile)
			if len(jobs) == 0 {
				fmt.Fprintf(os.Stderr, "No valid jobs found in the batch file\n")
				os.Exit(1)
			}
			runJobs(jobs)
		},
	}
	return cmd
}

func buildJobsFromBatch(batchFile BatchFile) []scheduler.Job {
	var jobs []scheduler.Job
	for section, entries := range batchFile {
		proto, ok := normalizeProtocol(section)
		if !ok {
			output.PrintWarning(fmt.Sprintf("Unknown section '%s', skipping", section))
			continue
		}
		for _, entry := range entries {
			if entry.Link == "" {
				output.PrintWarning(fmt.Sprintf("Empty link found in %s section, skipping", section))
				continue
			}
			if proto == "" {
				format, err := readDescriptor(entry.Link)
				if err != nil {
					output.PrintWarning(fmt.Sprintf("%v, skipping", err))
					continue
				}
				outputPath := entry.OutputPath
				if outputPath == "" {
					outputPath = outputFromInfo(format)
				}
				jobs = append(jobs, scheduler.NewJob(outputPath, format))
				continue
			}
			format := formatForURL(entry.Link, proto)
			outputPath := entry.OutputPath
			if outputPath == "" {
				outputPath = defaultOutput(context.Background(), entry.Link, format)
			}
			jobs = append(jobs, scheduler.NewJob(outputPath, format))
		}
	}
	return jobs
}

// normalizeProtocol maps a section name to a protocol tag. The info section
// maps to the empty tag.
func normalizeProtocol(section string) (utils.Protocol, bool) {
	typeMap := map[string]utils.Protocol{
		"http":           utils.ProtocolHTTP,
		"https":          utils.ProtocolHTTP,
		"s3":             utils.ProtocolHTTP,
		"hls":            utils.ProtocolM3U8Native,
		"m3u8":           utils.ProtocolM3U8Native,
		"m3u8-native":    utils.ProtocolM3U8Native,
		"m3u8_native":    utils.ProtocolM3U8Native,
		"ffmpeg":         utils.ProtocolM3U8,
		"dash":           utils.ProtocolDASH,
		"mpd":            utils.ProtocolDASH,
		"live":           utils.ProtocolLiveFFmpeg,
		"live-stream":    utils.ProtocolLiveFFmpeg,
		"live_ffmpeg":    utils.ProtocolLiveFFmpeg,
		"ws":             utils.ProtocolWebsocket,
		"websocket":      utils.ProtocolWebsocket,
		"info":           "",
		"descriptor":     "",
		"load-info-json": "",
	}
	proto, ok := typeMap[strings.ToLower(section)]
	return proto, ok
}
