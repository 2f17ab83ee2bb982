// Command lambda serves the paste API and pages from AWS Lambda behind API
// Gateway. It reads the same PASTELITE_* settings as the server and defaults
// to the DynamoDB store.
package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"

	"pastebin-lite/internal/app"
	"pastebin-lite/internal/config"
	"pastebin-lite/internal/logging"
)

var adapter *httpadapter.HandlerAdapter

func init() {
	if os.Getenv("PASTELITE_STORE") == "" {
		_ = os.Setenv("PASTELITE_STORE", config.StoreDynamo)
	}
	cfg, err := config.Load(nil)
	if err != nil {
		l := logging.New("error", false)
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.LogLevel, false)

	// Expired pastes are reclaimed by the table TTL, so no janitor runs here.
	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize")
	}
	adapter = httpadapter.New(a.Server.Handler())

	logger.Info().
		Str("store", cfg.Store).
		Str("base_url", cfg.BaseURL).
		Msg("lambda function initialized")
}

func handler(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return adapter.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(handler)
}
