package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/perchlabs/perch/pkg/log"
	"github.com/perchlabs/perch/pkg/types"
)

const collectTimeout = 30 * time.Second

// Manager fans a collection cycle out to every registered exporter.
// Exporters run concurrently and fail independently.
type Manager struct {
	exporters []Exporter
	logger    zerolog.Logger
}

// NewManager builds a manager over the given exporters.
func NewManager(exporters ...Exporter) *Manager {
	return &Manager{
		exporters: exporters,
		logger:    log.WithComponent("exporters"),
	}
}

// Register appends an exporter to the run set.
func (m *Manager) Register(e Exporter) {
	m.exporters = append(m.exporters, e)
}

// Names lists registered exporters in registration order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.exporters))
	for _, e := range m.exporters {
		names = append(names, e.Name())
	}
	return names
}

// Collect runs every exporter and merges the samples. A failing
// exporter is logged and skipped, never fatal to the cycle.
func (m *Manager) Collect(ctx context.Context) []types.Sample {
	ctx, cancel := context.WithTimeout(ctx, collectTimeout)
	defer cancel()

	type result struct {
		name    string
		samples []types.Sample
		err     error
	}

	results := make(chan result, len(m.exporters))
	var wg sync.WaitGroup
	for _, e := range m.exporters {
		wg.Add(1)
		go func(e Exporter) {
			defer wg.Done()
			start := time.Now()
			samples, err := e.Collect(ctx)
			if err == nil {
				m.logger.Debug().
					Str("exporter", e.Name()).
					Int("samples", len(samples)).
					Dur("took", time.Since(start)).
					Msg("collected")
			}
			results <- result{name: e.Name(), samples: samples, err: err}
		}(e)
	}
	wg.Wait()
	close(results)

	var samples []types.Sample
	for r := range results {
		if r.err != nil {
			m.logger.Warn().Err(r.err).Str("exporter", r.name).Msg("exporter failed")
			continue
		}
		samples = append(samples, r.samples...)
	}
	return samples
}
