// Command integrity audits recently created catalog rows against the artifact
// store: missing objects, malformed playlists, and duration drift. It is run
// on a schedule rather than as a service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"vodcast-worker/internal/blob"
	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/config"
	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/observability/logging"
	"vodcast-worker/internal/observability/metrics"
	"vodcast-worker/internal/validate"
)

const (
	exitClean       = 0
	exitScanErrors  = 2
	exitSelfFailure = 99
)

func main() {
	lookback := flag.Duration("lookback", 7*24*time.Hour, "audit rows created within this window")
	limit := flag.Int("limit", 100, "maximum rows to audit, newest first")
	timeout := flag.Duration("timeout", 15*time.Minute, "overall scan deadline")
	flag.Parse()

	report, err := run(*lookback, *limit, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "integrity: %v\n", err)
		os.Exit(exitSelfFailure)
	}
	if report.Errors > 0 {
		os.Exit(exitScanErrors)
	}
	os.Exit(exitClean)
}

func run(lookback time.Duration, limit int, timeout time.Duration) (*validate.Report, error) {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = awsCfg.Region
	}

	var rec *metrics.Recorder
	if !cfg.MetricsDisabled {
		var publisher metrics.Publisher
		if cfg.MetricsNamespace != "" {
			cwPublisher := metrics.NewCloudWatchPublisher(
				cloudwatch.NewFromConfig(awsCfg), cfg.MetricsNamespace, logger)
			defer cwPublisher.Close()
			publisher = cwPublisher
		}
		rec = metrics.New(prometheus.NewRegistry(), publisher)
	}

	kernelSet := kernel.NewSet(kernel.SetConfig{
		Cores:   kernel.DetectEffectiveCores(),
		IOLimit: cfg.IOConcurrency,
		DBLimit: cfg.DBMaxInflight,
	}, rec)

	store := blob.NewStore(s3.NewFromConfig(awsCfg), blob.StoreConfig{
		Region:              cfg.AWSRegion,
		DownloadPartSizeMB:  cfg.S3DownloadPartSizeMB,
		DownloadConcurrency: cfg.S3DownloadConcurrency,
		RetryAttempts:       cfg.RetryAttempts,
		RetryBaseDelay:      int(cfg.RetryBaseDelay / time.Millisecond),
	}, kernelSet.IO, rec, logger)

	pool, err := catalog.Open(ctx, cfg.DatabaseDSN, cfg.CatalogConnectTimeout, cfg.CatalogMaxConnections)
	if err != nil {
		return nil, err
	}
	defer pool.Close()
	repo := catalog.NewRepository(pool, catalog.RepositoryConfig{
		RetryAttempts: cfg.RetryAttempts,
	}, kernelSet.DB, rec, logger)

	checker := validate.NewChecker(repo, store, rec, logger, 0)

	report, err := checker.Scan(ctx, time.Now().Add(-lookback), limit)
	if err != nil {
		return nil, err
	}
	logger.Info("integrity scan finished",
		"total", report.Total,
		"errors", report.Errors,
		"warnings", report.Warnings,
		"failed_episodes", len(report.Failed))
	return report, nil
}
