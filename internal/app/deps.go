// Package app builds the dependencies shared by the API server and the
// standalone worker from one configuration.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/config"
	"github.com/makeasinger/choreo/internal/corpus"
	"github.com/makeasinger/choreo/internal/encoder"
	"github.com/makeasinger/choreo/internal/generator"
	"github.com/makeasinger/choreo/internal/model"
	"github.com/makeasinger/choreo/internal/retry"
	"github.com/makeasinger/choreo/internal/status"
	"github.com/makeasinger/choreo/internal/storage"
	"github.com/makeasinger/choreo/internal/vectorindex"
	"github.com/makeasinger/choreo/internal/worker"
)

// RetryPolicy is the attempt/backoff policy shared by storage and status
// writes.
func RetryPolicy(cfg *config.Config) retry.Policy {
	p := retry.Default()
	if cfg.Storage.RetryAttempts > 0 {
		p.MaxAttempts = cfg.Storage.RetryAttempts
	}
	if cfg.Storage.RetryBackoff > 0 {
		p.BaseBackoff = cfg.Storage.RetryBackoff
	}
	p.Jitter = cfg.Storage.RetryJitter
	return p
}

// RedisOptions builds client options from the redis section.
func RedisOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	}
}

// OpenStatusStore connects the configured task store.
func OpenStatusStore(ctx context.Context, cfg *config.Config) (status.Store, error) {
	switch cfg.Status.Backend {
	case "redis":
		store := status.NewRedisStore(RedisOptions(cfg), cfg.Status.TTL)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect status redis: %w", err)
		}
		return store, nil
	case "postgres":
		store, err := status.OpenSQLStore(ctx, cfg.Database.URL, cfg.Database.ConnectTimeout, cfg.Database.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("connect status database: %w", err)
		}
		return store, nil
	case "memory":
		return status.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown status backend %q", cfg.Status.Backend)
}

// OpenStorage builds the storage gateway over the configured backend.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*storage.Gateway, error) {
	backend, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return storage.NewGateway(backend, RetryPolicy(cfg), cfg.Storage.Timeout, logger), nil
}

// NewEncoder builds the process-wide encoder driver.
func NewEncoder(cfg *config.Config, logger *zap.Logger) *encoder.Driver {
	return encoder.New(encoder.Config{
		FFmpegPath:        cfg.Encoder.FFmpegPath,
		FFprobePath:       cfg.Encoder.FFprobePath,
		HWAccel:           cfg.Encoder.HWAccel,
		VideoTimeout:      cfg.Encoder.VideoTimeout,
		MuxTimeout:        cfg.Encoder.MuxTimeout,
		DefaultResolution: cfg.Encoder.DefaultResolution,
		DefaultStrategy:   model.Strategy(cfg.Encoder.DefaultStrategy),
	}, nil, logger)
}

// NewRunner wires a worker runner.
func NewRunner(cfg *config.Config, reporter *status.Reporter, gw *storage.Gateway, enc worker.Assembler, logger *zap.Logger) *worker.Runner {
	mediaRoot := ""
	if cfg.Storage.Backend == "local" {
		mediaRoot = cfg.Storage.Root
	}
	return worker.NewRunner(worker.Config{
		WorkRoot:         cfg.Worker.WorkRoot,
		FetchConcurrency: cfg.Worker.FetchConcurrency,
		ResultPrefix:     cfg.Storage.ResultPrefix,
		MediaRoot:        mediaRoot,
	}, reporter, gw, enc, logger)
}

// LoadIndex reads the move corpus into a vector index.
func LoadIndex(cfg *config.Config) (*vectorindex.Index, error) {
	return corpus.LoadIndex(cfg.Corpus.Path, vectorindex.WithRenormalize(cfg.Generator.Renormalize))
}

// GeneratorConfig overlays configured values on the generator defaults.
func GeneratorConfig(cfg *config.Config) generator.Config {
	gc := generator.DefaultConfig()
	if cfg.Generator.CandidatePool > 0 {
		gc.CandidatePool = cfg.Generator.CandidatePool
	}
	if cfg.Generator.DiversityDivisor > 0 {
		gc.DiversityDivisor = cfg.Generator.DiversityDivisor
	}
	if cfg.Generator.DefaultTransition != "" {
		gc.DefaultTransition = model.Transition(cfg.Generator.DefaultTransition)
	}
	if cfg.Generator.DefaultClipLength > 0 {
		gc.DefaultClipLength = cfg.Generator.DefaultClipLength
	}
	if cfg.Encoder.DefaultCodec != "" {
		gc.DefaultOutput.Codec = cfg.Encoder.DefaultCodec
	}
	if cfg.Encoder.DefaultBitrate != "" {
		gc.DefaultOutput.Bitrate = cfg.Encoder.DefaultBitrate
	}
	if cfg.Encoder.DefaultResolution != "" {
		gc.DefaultOutput.Resolution = cfg.Encoder.DefaultResolution
	}
	if cfg.Encoder.DefaultStrategy != "" {
		gc.DefaultOutput.Strategy = model.Strategy(cfg.Encoder.DefaultStrategy)
	}
	return gc
}
