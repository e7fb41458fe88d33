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

// Package app wires configuration, AWS clients and probers into a Dispatcher. It is
// shared by the long-running worker and the Lambda entry point.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"maskpipeworker/src/classifier"
	"maskpipeworker/src/config"
	"maskpipeworker/src/logging"
	"maskpipeworker/src/processor"
	"maskpipeworker/src/prober"
	"maskpipeworker/src/queue"
	"maskpipeworker/src/signaler"
)

// Kinds returns the built-in kinds plus any loaded from cfg.KindsFile.
func Kinds(cfg config.Config) (*classifier.Table, error) {
	kinds := classifier.DefaultTable()
	if cfg.KindsFile != "" {
		if err := kinds.LoadFile(cfg.KindsFile); err != nil {
			return nil, err
		}
	}
	if _, err := kinds.Lookup(cfg.DefaultKind); err != nil {
		return nil, fmt.Errorf("DEFAULT_KIND: %w", err)
	}
	return kinds, nil
}

// Backends builds one rate-limited prober per backend this deployment can reach, keyed
// by backend name. The masking-run backend is only built when DataMasque is configured,
// resolving its credentials from Secrets Manager when a secret ARN is set.
func Backends(ctx context.Context, cfg config.Config, awsCfg aws.Config) (map[string]prober.Prober, error) {
	rdsClient := rds.NewFromConfig(awsCfg)
	backends := map[string]prober.Prober{
		classifier.ProberRDSInstance: prober.NewRateLimited(prober.NewRDSInstanceProber(rdsClient), cfg.ProbeRate, cfg.ProbeBurst),
		classifier.ProberRDSSnapshot: prober.NewRateLimited(prober.NewRDSSnapshotProber(rdsClient), cfg.ProbeRate, cfg.ProbeBurst),
	}

	masking := cfg.Masking
	if masking.BaseURL == "" {
		logging.Log("DATAMASQUE_BASE_URL not set, masking-run prober disabled", slog.LevelWarn)
		return backends, nil
	}
	if masking.SecretARN != "" {
		if err := masking.ResolveMaskingCredentials(ctx, secretsmanager.NewFromConfig(awsCfg)); err != nil {
			return nil, err
		}
	}
	backends[classifier.ProberMaskingRun] = prober.NewRateLimited(prober.NewMaskingRunProber(masking), cfg.ProbeRate, cfg.ProbeBurst)
	return backends, nil
}

// Probers registers, for every kind in kinds, the backend the kind names. Backends
// share their rate limiter across kinds. A kind whose backend is unavailable is left
// unregistered, so its tasks are failed as unknown.
func Probers(kinds *classifier.Table, backends map[string]prober.Prober) *prober.Registry {
	registry := prober.NewRegistry()
	for _, name := range kinds.Names() {
		kind, err := kinds.Lookup(name)
		if err != nil {
			continue
		}
		p, ok := backends[kind.Prober]
		if !ok {
			logging.Log(fmt.Sprintf("Prober %s unavailable, %s tasks will be failed as unknown", kind.Prober, name), slog.LevelWarn)
			continue
		}
		registry.Register(name, p)
	}
	return registry
}

// NewDispatcher builds the dispatcher that requeues through enq.
func NewDispatcher(ctx context.Context, cfg config.Config, awsCfg aws.Config, enq queue.Enqueuer, stats *logging.WorkerStats) (*processor.Dispatcher, error) {
	kinds, err := Kinds(cfg)
	if err != nil {
		return nil, err
	}
	backends, err := Backends(ctx, cfg, awsCfg)
	if err != nil {
		return nil, err
	}
	probers := Probers(kinds, backends)
	metrics, err := logging.NewPollMetrics()
	if err != nil {
		return nil, err
	}

	return processor.NewDispatcher(processor.Config{
		Kinds:        kinds,
		Probers:      probers,
		Scheduler:    queue.NewScheduler(enq, cfg.RequeueDelay, queue.WithBackoff(cfg.RequeueBackoffFactor, cfg.RequeueMaxDelay)),
		Signaler:     signaler.NewStepFunctionsSignaler(sfn.NewFromConfig(awsCfg)),
		Metrics:      metrics,
		Stats:        stats,
		MaxAttempts:  cfg.MaxAttempts,
		ProbeTimeout: cfg.ProbeTimeout,
		DefaultKind:  cfg.DefaultKind,
	}), nil
}
