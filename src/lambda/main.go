// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Command lambda runs one poll cycle per SQS record inside AWS Lambda.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"

	"maskpipeworker/src/app"
	"maskpipeworker/src/config"
	"maskpipeworker/src/logging"
	"maskpipeworker/src/processor"
	"maskpipeworker/src/queue"
)

// MessageHandler is the part of the dispatcher the Lambda handler needs.
type MessageHandler interface {
	HandleMessage(ctx context.Context, body []byte) (processor.Result, error)
}

type handler struct {
	dispatcher MessageHandler

	// flush exports buffered telemetry before the sandbox can be frozen.
	flush func(context.Context) error
}

// handle reports only the records whose poll cycle hit a collaborator failure, so the
// rest of the batch is deleted from the queue.
func (h handler) handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	defer h.flushTelemetry(ctx)

	var resp events.SQSEventResponse
	for _, record := range event.Records {
		if _, err := h.dispatcher.HandleMessage(ctx, []byte(record.Body)); err != nil {
			logging.LogAttrs(ctx, slog.LevelError, "Poll cycle failed, leaving message for redelivery",
				slog.String("message_id", record.MessageId), slog.String("error", err.Error()))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{
				ItemIdentifier: record.MessageId,
			})
		}
	}
	return resp, nil
}

func (h handler) flushTelemetry(ctx context.Context) {
	if h.flush == nil {
		return
	}
	if err := h.flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "OTel flush error: %v\n", err)
	}
}

func main() {
	ctx := context.Background()

	// Pending tasks are requeued through SQS, so the backend defaults to sqs here.
	cfg, err := config.FromEnv(func(key string) string {
		if v := os.Getenv(key); v != "" || key != "QUEUE_BACKEND" {
			return v
		}
		return config.BackendSQS
	})
	if err != nil {
		panic(err)
	}

	// lambda.Start never returns, so telemetry is flushed per invocation instead of at
	// shutdown.
	if _, err := logging.SetupOTelSDK(ctx); err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	stats := logging.NewWorkerStats(uuid.New().String())
	d, err := app.NewDispatcher(ctx, cfg, awsCfg, queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSURL), stats)
	if err != nil {
		panic(err)
	}

	lambda.Start(handler{dispatcher: d, flush: logging.ForceFlush}.handle)
}
