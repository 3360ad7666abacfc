package main

import (
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/stefando/videoupload/internal/app"
	"github.com/stefando/videoupload/internal/logger"
	"github.com/stefando/videoupload/internal/web"
)

func newLambdaCmd(o *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lambda",
		Short: "Handle API Gateway proxy events as an AWS Lambda function",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), o.cfg, o.orphanHandler())
			if err != nil {
				logger.Error().Err(err).Msg("failed to initialize upload service")
				return err
			}
			router, err := a.Router(cmd.Context())
			if err != nil {
				logger.Error().Err(err).Msg("failed to initialize router")
				return err
			}
			lambda.StartWithOptions(web.LambdaHandler(router), lambda.WithEnableSIGTERM(o.close))
			return nil
		},
	}
}
