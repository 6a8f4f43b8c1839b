// Package cmdutil provides the common bus/registry construction every
// steep binary needs, mirroring the teacher's pkg/cmd initialization
// helpers.
package cmdutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	redis "github.com/redis/go-redis/v9"

	"github.com/steepcluster/steep/internal/agentregistry"
	"github.com/steepcluster/steep/internal/clusterbus"
	"github.com/steepcluster/steep/internal/domain"
	"github.com/steepcluster/steep/internal/submissionregistry"
	"github.com/steepcluster/steep/internal/submissionregistry/inmemory"
	"github.com/steepcluster/steep/internal/submissionregistry/mongodb"
	"github.com/steepcluster/steep/internal/submissionregistry/postgresql"
	"github.com/steepcluster/steep/pkg/config"
	"github.com/steepcluster/steep/pkg/otelhelper"
)

// LoadServiceCatalog reads the service catalog the rule engine consumes
// (spec §4.1's serviceId -> parameter schema + runtime map) from a JSON
// file, mirroring the teacher's file-backed repositories. An unset path
// yields an empty catalog, useful for tests and for binaries that never
// decompose a workflow.
func LoadServiceCatalog(path string) (domain.ServiceCatalog, error) {
	if path == "" {
		return domain.ServiceCatalog{}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmdutil: read service catalog: %w", err)
	}

	var catalog domain.ServiceCatalog
	if err := json.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("cmdutil: parse service catalog: %w", err)
	}

	return catalog, nil
}

// NewLeaseStore builds the agent lease store: Redis when cfg.LeaseRedisURL
// is set (so a lease survives a registry restart and is shared across
// scheduler replicas), otherwise an in-memory store for single-process
// deployments and tests.
func NewLeaseStore(cfg config.Config) (agentregistry.LeaseStore, error) {
	if cfg.LeaseRedisURL == "" {
		return agentregistry.NewInMemoryLeaseStore(), nil
	}

	opts, err := redis.ParseURL(cfg.LeaseRedisURL)
	if err != nil {
		return nil, fmt.Errorf("cmdutil: parse redis lease url: %w", err)
	}

	return agentregistry.NewRedisLeaseStore(redis.NewClient(opts), "steep:lease:"), nil
}

// NewBus builds the configured clusterbus.Bus transport.
func NewBus(cfg config.Config, logger *slog.Logger) (clusterbus.Bus, error) {
	switch cfg.BusDriver {
	case config.BusDriverKafka:
		bus, err := clusterbus.NewKafkaBus(cfg.BusKafkaBrokers, "steep", watermill.NewSlogLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("cmdutil: kafka bus: %w", err)
		}

		return bus, nil
	default:
		return clusterbus.NewGoChannelBus(), nil
	}
}

// NewSubmissionRegistry builds the configured SubmissionRegistry backend
// plus a close func releasing its resources.
func NewSubmissionRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (submissionregistry.SubmissionRegistry, func() error, error) {
	switch cfg.DBDriver {
	case config.DBDriverPostgreSQL:
		store, err := postgresql.New(ctx, logger, cfg.DBURL)
		if err != nil {
			return nil, nil, fmt.Errorf("cmdutil: postgresql registry: %w", err)
		}

		return store, store.Close, nil
	case config.DBDriverMongoDB:
		store, err := mongodb.New(ctx, cfg.DBURL, "steep")
		if err != nil {
			return nil, nil, fmt.Errorf("cmdutil: mongodb registry: %w", err)
		}

		return store, func() error { return store.Close(ctx) }, nil
	default:
		return inmemory.New(), func() error { return nil }, nil
	}
}

// SetupTracing registers an OTLP/HTTP tracer provider under serviceName
// when cfg.TracingEnabled, so every package-level otel.Tracer(...) span
// (scheduler, localagent, controller) starts exporting. Disabled, it
// returns a no-op shutdown func - callers always defer the result.
func SetupTracing(ctx context.Context, cfg config.Config, serviceName string) (func(context.Context) error, error) {
	if !cfg.TracingEnabled {
		return func(context.Context) error { return nil }, nil
	}

	_, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("cmdutil: setup tracing: %w", err)
	}

	return shutdown, nil
}
