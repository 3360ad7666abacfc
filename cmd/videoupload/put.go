package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stefando/videoupload/internal/app"
	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/upload"
)

func newPutCmd(o *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <file>",
		Short: "Upload a local video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger.SetOutput(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
			return o.put(cmd, args[0])
		},
	}
	cmd.Flags().String("bucket", "", "Destination bucket")
	cmd.Flags().String("key_prefix", "", "Prefix of the object key")
	cmd.Flags().Int("max_part_retries", 0, "Retries of a failed part before the upload is aborted")
	return cmd
}

func (o *cliOptions) put(cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	a, err := app.New(ctx, o.cfg, o.orphanHandler())
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), upload.Message(err))
		return err
	}

	if info, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "File size: %s\n", humanize.IBytes(uint64(info.Size())))
	}

	outcome, err := a.Service.UploadFile(ctx, path, printProgress(out))
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), upload.Message(err))
		return err
	}

	fmt.Fprintln(out, "Upload complete!")
	fmt.Fprintln(out, outcome.Message)
	return nil
}

// printProgress writes one line per finished part.
func printProgress(w io.Writer) upload.ProgressFunc {
	return func(done, total int) {
		fmt.Fprintf(w, "Uploading part %d of %d\n", done, total)
	}
}
