// Package bootstrap wires the worker's components from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maauso/hunyuan-i2v-worker/internal/comfy"
	"github.com/maauso/hunyuan-i2v-worker/internal/config"
	"github.com/maauso/hunyuan-i2v-worker/internal/handler"
	"github.com/maauso/hunyuan-i2v-worker/internal/ingest"
	"github.com/maauso/hunyuan-i2v-worker/internal/job"
	"github.com/maauso/hunyuan-i2v-worker/internal/result"
	"github.com/maauso/hunyuan-i2v-worker/internal/server"
	"github.com/maauso/hunyuan-i2v-worker/internal/storage"
	"github.com/maauso/hunyuan-i2v-worker/internal/supervisor"
	"github.com/maauso/hunyuan-i2v-worker/internal/tracker"
)

// Dependencies holds the initialized components of the worker.
type Dependencies struct {
	Supervisor *supervisor.Supervisor
	Handler    *handler.Handler
	Jobs       *job.Service
	HTTP       *server.Handlers
}

// NewDependencies creates and initializes all dependencies for the worker.
// Nothing is started; the caller owns the supervisor and the job consumer.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	client, err := comfy.NewClient(cfg.ComfyUIURL(), comfy.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return nil, fmt.Errorf("create ComfyUI client: %w", err)
	}

	command, args := supervisor.ComfyUICommand(cfg.ComfyUIPython, cfg.ComfyUIPort)
	sup := supervisor.New(supervisor.Config{
		Launch:     cfg.StartComfyUI,
		Dir:        cfg.ComfyUIPath,
		Command:    command,
		Args:       args,
		MaxRetries: cfg.ReadyMaxRetries,
		Interval:   cfg.ReadyInterval,
		StopGrace:  cfg.StopGrace,
	}, client, logger)

	local, err := storage.NewLocalStorage(cfg.ComfyUIPath)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}

	ingester := ingest.New(local,
		ingest.WithDownloader(ingest.NewHTTPDownloader(cfg.DownloadTimeout)),
		ingest.WithLogger(logger),
	)

	tr := tracker.New(client,
		tracker.WithPollInterval(cfg.PollInterval),
		tracker.WithLogger(logger),
	)

	materializer, err := initMaterializer(ctx, cfg, client, local, logger)
	if err != nil {
		return nil, err
	}

	h := handler.New(ingester, tr, materializer,
		handler.WithCompletionTimeout(cfg.CompletionTimeout),
		handler.WithLogger(logger),
	)

	jobs := job.NewService(job.NewMemoryRepository(), h, logger)

	return &Dependencies{
		Supervisor: sup,
		Handler:    h,
		Jobs:       jobs,
		HTTP:       server.NewHandlers(jobs, sup, logger),
	}, nil
}

// initMaterializer picks where produced files are read from and whether they are mirrored to S3.
func initMaterializer(ctx context.Context, cfg *config.Config, client *comfy.HTTPClient, local *storage.LocalStorage, logger *slog.Logger) (*result.Materializer, error) {
	var fetcher result.Fetcher
	switch strings.ToLower(cfg.ArtifactSource) {
	case config.ArtifactSourceHTTP:
		fetcher = result.FetcherFunc(client.View)
	default:
		fetcher = result.FetcherFunc(func(ctx context.Context, file comfy.OutputFile) ([]byte, error) {
			return local.ReadOutput(ctx, file.Type, file.Subfolder, file.Filename)
		})
	}
	logger.Info("artifact source configured", slog.String("source", cfg.ArtifactSource))

	opts := []result.Option{result.WithLogger(logger)}
	if cfg.S3Enabled() {
		s3Store, err := storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 upload configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		opts = append(opts, result.WithUploader(s3Store))
	}

	return result.New(fetcher, opts...), nil
}
