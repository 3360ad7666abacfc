package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/stefando/videoupload/internal/app"
	"github.com/stefando/videoupload/internal/config"
	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/upload"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// flagKeys maps command-line flags to the config keys they override.
var flagKeys = map[string]string{
	"log_level":        "log.level",
	"bucket":           "upload.bucket",
	"key_prefix":       "upload.key_prefix",
	"max_part_retries": "upload.max_part_retries",
	"listen":           "server.listen",
}

// cliOptions carries state shared by all subcommands.
type cliOptions struct {
	configDir string
	cfg       *config.Config
	flush     func()
}

func newRootCmd() (*cobra.Command, *cliOptions) {
	o := &cliOptions{flush: func() {}}

	root := &cobra.Command{
		Use:   "videoupload",
		Short: "Upload videos to S3 with multipart uploads",
		Long: `videoupload sends video files to an S3 bucket as multipart uploads.
It runs as an HTTP server with an upload form, as an AWS Lambda function
behind API Gateway, or uploads a single local file from the command line.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: o.load,
	}
	root.PersistentFlags().StringVar(&o.configDir, "config_dir", "", "Directory searched first for videoupload.{yaml,json,toml}")
	root.PersistentFlags().String("log_level", "", "Log level: debug, info, warn or error")

	root.AddCommand(
		newServeCmd(o),
		newPutCmd(o),
		newLambdaCmd(o),
		newVersionCmd(),
	)
	return root, o
}

// load reads the configuration with flag precedence and sets up logging and
// error reporting.
func (o *cliOptions) load(cmd *cobra.Command, _ []string) error {
	v := config.NewViper(o.configDir)
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return err
	}
	o.cfg = cfg
	logger.SetLevel(cfg.Log.Level)

	flush, err := app.InitSentry(cfg.Sentry, version)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to initialize sentry")
	}
	o.flush = flush
	return nil
}

// orphanHandler reports orphaned uploads to Sentry when it is configured.
func (o *cliOptions) orphanHandler() upload.OrphanHandler {
	if o.cfg == nil || o.cfg.Sentry.DSN == "" {
		return nil
	}
	return app.SentryOrphanHandler(nil)
}

func (o *cliOptions) close() {
	o.flush()
}

// bindFlags makes every flag the user set win over file and environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		// Skip config loading.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "videoupload", version)
		},
	}
}
