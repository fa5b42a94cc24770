// Command medley-stream is an AWS Lambda handler for the items table's
// DynamoDB stream. It publishes item.created and item.updated events for
// every new document revision.
package main

import (
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/medley/internal/config"
	"github.com/jacentio/medley/internal/logging"
	"github.com/jacentio/medley/notify"
	"github.com/jacentio/medley/stream"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	zl, logger := logging.Install(cfg.Logging)

	n, err := notify.Open(cfg.Notify.Transport(), logger)
	if err != nil {
		zl.Fatal().Err(err).Msg("open notifier")
	}

	zl.Info().Str("notify", cfg.Notify.Backend).Msg("stream handler starting")
	lambda.Start(stream.NewHandler(n, logger).HandleItemChanges)
}
