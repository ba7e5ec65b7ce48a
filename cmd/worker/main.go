// Command worker drains the episode ingest queue: it downloads, muxes,
// uploads, and transcodes each referenced video, keeps the catalog row
// current, and serves the small HTTP surface for ad-hoc submission and
// health checks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"vodcast-worker/internal/api"
	"vodcast-worker/internal/blob"
	"vodcast-worker/internal/catalog"
	"vodcast-worker/internal/config"
	"vodcast-worker/internal/enrich"
	"vodcast-worker/internal/kernel"
	"vodcast-worker/internal/media/ffmpeg"
	"vodcast-worker/internal/media/ytdlp"
	"vodcast-worker/internal/observability/logging"
	"vodcast-worker/internal/observability/metrics"
	"vodcast-worker/internal/pipeline"
	"vodcast-worker/internal/protection"
	"vodcast-worker/internal/queue"
	"vodcast-worker/internal/serverutil"
	"vodcast-worker/internal/validate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(rootCtx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	if cfg.AWSRegion == "" {
		cfg.AWSRegion = awsCfg.Region
	}

	registry := prometheus.NewRegistry()
	var rec *metrics.Recorder
	if !cfg.MetricsDisabled {
		var publisher metrics.Publisher
		if cfg.MetricsNamespace != "" {
			cwPublisher := metrics.NewCloudWatchPublisher(
				cloudwatch.NewFromConfig(awsCfg), cfg.MetricsNamespace, logger)
			defer cwPublisher.Close()
			publisher = cwPublisher
		}
		rec = metrics.New(registry, publisher)
	}

	cores := kernel.DetectEffectiveCores()
	kernelSet := kernel.NewSet(kernel.SetConfig{
		Cores:        cores,
		GreedyPerJob: cfg.GreedyPerJob,
		DiskLimit:    cfg.DiskConcurrency,
		IOLimit:      cfg.IOConcurrency,
		HTTPLimit:    cfg.HTTPConcurrency,
		DBLimit:      cfg.DBMaxInflight,
	}, rec)
	logger.Info("concurrency kernel sized",
		"cores", cores,
		"disk", kernelSet.Disk.Limit(),
		"io", kernelSet.IO.Limit(),
		"db", kernelSet.DB.Limit())

	store := blob.NewStore(s3.NewFromConfig(awsCfg), blob.StoreConfig{
		Region:              cfg.AWSRegion,
		UploadPartSizeMB:    cfg.S3UploadPartSizeMB,
		UploadConcurrency:   cfg.S3UploadQueueSize,
		DownloadPartSizeMB:  cfg.S3DownloadPartSizeMB,
		DownloadConcurrency: cfg.S3DownloadConcurrency,
		RetryAttempts:       cfg.RetryAttempts,
		RetryBaseDelay:      int(cfg.RetryBaseDelay / time.Millisecond),
	}, kernelSet.IO, rec, logger)

	pool, err := catalog.Open(rootCtx, cfg.DatabaseDSN, cfg.CatalogConnectTimeout, cfg.CatalogMaxConnections)
	if err != nil {
		return err
	}
	defer pool.Close()
	repo := catalog.NewRepository(pool, catalog.RepositoryConfig{
		RetryAttempts:           cfg.RetryAttempts,
		UpdateValidateRetries:   cfg.UpdateValidateRetries,
		UpdateValidateBaseDelay: cfg.UpdateValidateBaseDelay,
	}, kernelSet.DB, rec, logger)

	ytdlpConnections := cfg.YtdlpConnections
	if ytdlpConnections <= 0 {
		ytdlpConnections = cores
	}
	tool := ytdlp.New(ytdlp.Config{
		CookiesPath:          cfg.CookiesPath,
		PluginDir:            cfg.PluginDir,
		ExtractorHelperURL:   cfg.ExtractorHelperURL,
		PreferredAudioFormat: cfg.PreferredAudioFormat,
		Connections:          ytdlpConnections,
	}, nil, rec)
	transcoder := ffmpeg.New(ffmpeg.Config{Threads: cfg.FfmpegThreads}, nil, rec)

	var enricher pipeline.Enricher
	if !cfg.EnrichmentDisabled {
		var llm enrich.LLM
		if client := enrich.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel, ""); client != nil {
			llm = client
		}
		enricher = enrich.New(llm, rec, logger)
	}

	var dedup *queue.Deduper
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		dedup = queue.NewDeduper(redisClient)
	}

	checker := validate.NewChecker(repo, store, rec, logger, 0)

	// Task protection is only reachable on on-demand capacity under the
	// container agent; everywhere else the controller no-ops.
	var task *protection.TaskIdentity
	var ecsAPI protection.ECSAPI
	if cfg.Capacity == config.CapacityOnDemand {
		discovered, err := protection.DiscoverTask(rootCtx, nil)
		if err != nil {
			logger.Warn("task protection unavailable", "error", err)
		} else {
			task = discovered
			ecsAPI = ecs.NewFromConfig(awsCfg)
		}
	}
	controller := protection.NewController(cfg.Capacity, ecsAPI, task, protection.Options{}, logger)

	pipe := pipeline.New(pipeline.Deps{
		Tool:       tool,
		Transcoder: transcoder,
		Blob:       store,
		Catalog:    repo,
		Enricher:   enricher,
		Validator:  checker,
		Kernel:     kernelSet,
		Metrics:    rec,
		Logger:     logger,
		Settings: pipeline.Settings{
			Bucket:         cfg.ArtifactBucket,
			KeyPrefix:      cfg.KeyPrefix,
			DownloadsDir:   cfg.DownloadsDir,
			MaxVideoHeight: cfg.MaxVideoHeight,
			UploadTreeConc: cfg.S3UploadQueueSize,
		},
	}, pipeline.NewJobStore())

	tracker := queue.NewJobTracker(cfg.MaxConcurrentJobs, rec)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var poller *queue.Poller
	if cfg.QueueURL != "" {
		poller = queue.NewPoller(queue.PollerConfig{
			QueueURL:          cfg.QueueURL,
			PollingInterval:   cfg.PollingInterval,
			ExtendInterval:    cfg.VisibilityExtendInterval,
			ExtendDelta:       cfg.VisibilityExtendDelta,
			RequeueVisibility: cfg.SpotRequeueVisibility,
		}, sqs.NewFromConfig(awsCfg), tracker, dedup, pipe, controller,
			func(cause error) {
				go controller.DrainAndExit(context.Background(), cause)
			}, logger)
		controller.SetDrainer(poller)
	} else {
		logger.Warn("SQS_QUEUE_URL not set, queue polling disabled")
	}

	mux := http.NewServeMux()
	api.NewServer(jobCtx, pipe, tracker, controller, controller, cfg.Capacity, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	pollerDone := make(chan struct{})
	if poller != nil {
		go func() {
			poller.Run(jobCtx)
			close(pollerDone)
		}()
	} else {
		close(pollerDone)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- serverutil.Run(rootCtx, serverutil.Config{
			Server: &http.Server{
				Addr:    cfg.HTTPAddr,
				Handler: logging.RequestLogger(logger)(mux),
			},
			ShutdownTimeout: cfg.ShutdownGrace,
		})
	}()
	logger.Info("worker started",
		"addr", cfg.HTTPAddr,
		"capacity", string(cfg.Capacity),
		"max_concurrent_jobs", cfg.MaxConcurrentJobs)

	select {
	case err := <-serverErr:
		cancelJobs()
		return err
	case <-rootCtx.Done():
	}

	// Interruption: spot hands work back fast; on-demand lets jobs finish
	// within the grace window.
	if poller != nil && cfg.Capacity == config.CapacityPreemptible {
		logger.Info("interruption on preemptible capacity, requeueing in-flight work")
		drainCtx, cancel := context.WithTimeout(context.Background(), cfg.SpotRequeueVisibility+5*time.Second)
		poller.RequeueAllInFlightAndStop(drainCtx)
		cancel()
		cancelJobs()
	} else if poller != nil {
		logger.Info("interruption, waiting for in-flight jobs", "grace", cfg.ShutdownGrace)
		poller.Stop()
		select {
		case <-pollerDone:
		case <-time.After(cfg.ShutdownGrace):
			logger.Warn("shutdown grace expired, aborting remaining jobs")
		}
		cancelJobs()
	}

	select {
	case <-pollerDone:
	case <-time.After(5 * time.Second):
	}
	if err := <-serverErr; err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
