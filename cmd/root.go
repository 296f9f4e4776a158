package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tanq16/fragdl/internal/config"
	"github.com/tanq16/fragdl/internal/engine"
	"github.com/tanq16/fragdl/internal/output"
	"github.com/tanq16/fragdl/internal/scheduler"
	"github.com/tanq16/fragdl/internal/utils"
)

var (
	configFile string
	cfg        *config.Config
	engineOpts engine.Options
	httpClient *utils.Client
)

var FragdlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "fragdl",
	Short:   "fragdl downloads fragmented and live media streams",
	Version: FragdlVersion,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(viper.New(), cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		output.InitLogger(cfg.Debug)
		if engineOpts, err = cfg.EngineOptions(); err != nil {
			return err
		}
		httpClient = utils.NewClient(cfg.HTTPClientConfig())
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (YAML, JSON or TOML)")
	config.RegisterFlags(rootCmd.PersistentFlags())
	rootCmd.SilenceUsage = true

	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newLoadInfoCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newCleanCmd())
}

// runJobs downloads jobs with the configured engine and exits non-zero when
// any of them failed.
func runJobs(jobs []scheduler.Job) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	factory := func() *engine.Engine {
		return scheduler.NewEngine(engineOpts, httpClient, cfg.S3Profile)
	}
	if _, err := scheduler.Run(ctx, jobs, cfg.Workers, factory); err != nil {
		output.PrintError("Encountered failed operation(s)")
		os.Exit(1)
	}
}
