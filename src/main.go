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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"maskpipeworker/src/app"
	"maskpipeworker/src/config"
	"maskpipeworker/src/logging"
	"maskpipeworker/src/processor"
	"maskpipeworker/src/queue"
)

const (
	sqsBatchSize = 10
	sqsWaitTime  = 20 * time.Second
)

func main() {
	_, _ = maxprocs.Set()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := logging.SetupOTelSDK(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to setup OTel SDK: %v", err))
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	// Generate Unique ID
	workerID := uuid.New().String()
	logging.Log(fmt.Sprintf("Starting worker with UUID: %s (backend: %s)", workerID, cfg.QueueBackend), slog.LevelInfo)
	stats := logging.NewWorkerStats(workerID)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		panic(fmt.Sprintf("failed to load AWS config: %v", err))
	}

	switch cfg.QueueBackend {
	case config.BackendPostgres:
		err = runPostgres(ctx, cfg, awsCfg, workerID, stats)
	case config.BackendSQS:
		err = runSQS(ctx, cfg, awsCfg, stats)
	default:
		err = runMemory(ctx, cfg, awsCfg, workerID, stats)
	}
	if err != nil {
		logging.Log(fmt.Sprintf("Worker stopped: %v", err), slog.LevelError)
		os.Exit(1)
	}
	logging.Log("Worker shut down gracefully", slog.LevelInfo)
}

func runPostgres(ctx context.Context, cfg config.Config, awsCfg aws.Config, workerID string, stats *logging.WorkerStats) error {
	db, err := queue.Open(ctx, cfg.DB.ConnString(), 2*time.Minute)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := queue.Migrate(db); err != nil {
		return err
	}
	q := queue.NewPostgresQueue(db)

	d, err := app.NewDispatcher(ctx, cfg, awsCfg, q, stats)
	if err != nil {
		return err
	}

	// Setup PostgreSQL Listener
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logging.Log(fmt.Sprintf("Listener error: %v", err), slog.LevelError)
		}
	}
	listener := pq.NewListener(cfg.DB.ConnString(), 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(queue.NotifyChannel); err != nil {
		return fmt.Errorf("listen %s: %w", queue.NotifyChannel, err)
	}
	defer listener.Close()

	recoverStale(ctx, q, cfg.ClaimLease)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return StartAPIServer(gctx, cfg.APIPort, &APIServer{
			stats:    stats,
			global:   q,
			enqueuer: q,
			decode:   d.Decode,
			health:   db.PingContext,
			now:      time.Now,
		})
	})

	// One notification wakes one consumer; the others fall back to their ticker.
	wake := make(chan struct{}, cfg.WorkerConcurrency)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-listener.Notify:
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.ClaimLease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				recoverStale(gctx, q, cfg.ClaimLease)
			}
		}
	})

	logging.Log("Worker started. Waiting for tasks (LISTEN/NOTIFY + Fallback Polling)...", slog.LevelInfo)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			consume(gctx, d, q, workerID, wake, cfg.PollingInterval)
			return nil
		})
	}
	return g.Wait()
}

func runMemory(ctx context.Context, cfg config.Config, awsCfg aws.Config, workerID string, stats *logging.WorkerStats) error {
	q := queue.NewMemoryQueue(time.Now)
	d, err := app.NewDispatcher(ctx, cfg, awsCfg, q, stats)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return StartAPIServer(gctx, cfg.APIPort, &APIServer{
			stats:    stats,
			enqueuer: q,
			decode:   d.Decode,
			now:      time.Now,
		})
	})

	logging.Log("Worker started with in-memory queue; tasks do not survive a restart", slog.LevelWarn)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			consume(gctx, d, q, workerID, q.Wake(), cfg.PollingInterval)
			return nil
		})
	}
	return g.Wait()
}

func runSQS(ctx context.Context, cfg config.Config, awsCfg aws.Config, stats *logging.WorkerStats) error {
	q := queue.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSURL)
	d, err := app.NewDispatcher(ctx, cfg, awsCfg, q, stats)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return StartAPIServer(gctx, cfg.APIPort, &APIServer{
			stats:    stats,
			enqueuer: q,
			decode:   d.Decode,
			now:      time.Now,
		})
	})

	logging.Log(fmt.Sprintf("Worker started. Long-polling %s", cfg.SQSURL), slog.LevelInfo)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error {
			receive(gctx, d, q, cfg.PollingInterval)
			return nil
		})
	}
	return g.Wait()
}

// consume drains due tasks whenever woken or on the fallback ticker.
func consume(ctx context.Context, d *processor.Dispatcher, q queue.ClaimQueue, workerID string, wake <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial check
	d.Drain(ctx, q, workerID, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Periodic fallback check
			d.Drain(ctx, q, workerID, interval)
		case <-wake:
			d.Drain(ctx, q, workerID, interval)
		}
	}
}

// receive long-polls SQS. A message is deleted only after its poll cycle settled; on a
// collaborator failure it becomes visible again once its visibility timeout expires.
func receive(ctx context.Context, d *processor.Dispatcher, q *queue.SQSQueue, backoff time.Duration) {
	for ctx.Err() == nil {
		deliveries, err := q.Receive(ctx, sqsBatchSize, sqsWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Log(fmt.Sprintf("Error receiving messages: %v", err), slog.LevelError)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		for _, m := range deliveries {
			if _, err := d.HandleMessage(ctx, m.Body); err != nil {
				logging.Log(fmt.Sprintf("Message %s left for redelivery: %v", m.ID, err), slog.LevelError)
				continue
			}
			if err := q.Delete(ctx, m.ReceiptHandle); err != nil {
				logging.Log(fmt.Sprintf("Error deleting message %s: %v", m.ID, err), slog.LevelError)
			}
		}
	}
}

func recoverStale(ctx context.Context, q *queue.PostgresQueue, lease time.Duration) {
	count, err := q.RecoverStale(ctx, lease)
	if err != nil {
		logging.Log(fmt.Sprintf("Error recovering tasks: %v", err), slog.LevelError)
		return
	}
	if count > 0 {
		logging.Log(fmt.Sprintf("Recovered %d stale claims (returned to pending)", count), slog.LevelInfo)
	}
}
