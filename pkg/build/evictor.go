package build

import (
	"context"

	"github.com/forgelet/forgelet/pkg/storage"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Evictor bounds disk and memory growth by deleting the oldest terminal
// records once retention exceeds the configured ceiling, and performs
// full cleanup on shutdown when configured.
type Evictor interface {
	// Trim evicts the oldest terminal records in excess of the
	// retention limit. Queued and building records are never eligible.
	Trim(ctx context.Context)

	// Shutdown removes all remaining working directories and logs when
	// delete-on-shutdown is configured, regardless of retention count.
	Shutdown(ctx context.Context) error
}

// EvictorConfig contains retention settings.
type EvictorConfig struct {
	MaxBuildsToKeep        int
	DeleteBuildsOnShutdown bool
}

// NewEvictor creates an evictor over the given registry and store.
func NewEvictor(
	log logrus.FieldLogger,
	cfg *EvictorConfig,
	registry *Registry,
	store storage.Store,
) Evictor {
	return &evictor{
		log:      log.WithField("component", "evictor"),
		cfg:      cfg,
		registry: registry,
		store:    store,
	}
}

type evictor struct {
	log      logrus.FieldLogger
	cfg      *EvictorConfig
	registry *Registry
	store    storage.Store
}

// Ensure interface compliance.
var _ Evictor = (*evictor)(nil)

// Trim evicts oldest-first until the terminal count is back at the
// retention ceiling. Eviction is best-effort: a filesystem failure is
// logged and the record is still removed from the registry, which is
// authoritative for known builds.
func (e *evictor) Trim(_ context.Context) {
	terminal := e.registry.Terminal()

	excess := len(terminal) - e.cfg.MaxBuildsToKeep
	if excess <= 0 {
		return
	}

	for _, rec := range terminal[:excess] {
		if err := e.store.Remove(rec.Number()); err != nil {
			e.log.WithError(err).
				WithField("build", rec.Number()).
				Warn("Failed to reclaim build storage")
		}

		e.registry.Remove(rec.Number())

		e.log.WithField("build", rec.Number()).Info("Build evicted")
	}
}

// Shutdown deletes every remaining build's storage in parallel.
func (e *evictor) Shutdown(ctx context.Context) error {
	if !e.cfg.DeleteBuildsOnShutdown {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)

	records := e.registry.All()

	for _, rec := range records {
		g.Go(func() error {
			return e.store.Remove(rec.Number())
		})
	}

	err := g.Wait()

	for _, rec := range records {
		e.registry.Remove(rec.Number())
	}

	if err != nil {
		e.log.WithError(err).Warn("Shutdown cleanup incomplete")

		return err
	}

	e.log.WithField("count", len(records)).Info("Removed build storage on shutdown")

	return nil
}
