package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/fragdl/internal/scheduler"
	"github.com/tanq16/fragdl/internal/utils"
	"gopkg.in/yaml.v3"
)

func newLoadInfoCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:     "load-info [DESCRIPTOR_FILE] [--output OUTPUT_PATH]",
		Aliases: []string{"load-info-json"},
		Short:   "Download a format described by a JSON or YAML descriptor file",
		Args:    cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			format, err := readDescriptor(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if outputPath == "" {
				outputPath = outputFromInfo(format)
			}
			if outputPath == "" {
				fmt.Fprintln(os.Stderr, "Error: no output path given and the descriptor names none")
				os.Exit(1)
			}
			runJobs([]scheduler.Job{scheduler.NewJob(outputPath, format)})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (default from the descriptor info)")
	return cmd
}

// readDescriptor parses a descriptor file, as JSON for .json files and YAML
// otherwise.
func readDescriptor(path string) (*utils.FormatDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading descriptor %s: %w", path, err)
	}
	var format utils.FormatDescriptor
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &format)
	} else {
		err = yaml.Unmarshal(data, &format)
	}
	if err != nil {
		return nil, fmt.Errorf("error parsing descriptor %s: %w", path, err)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &format, nil
}

func outputFromInfo(format *utils.FormatDescriptor) string {
	if name, ok := format.Info["filename"].(string); ok {
		return name
	}
	return ""
}
