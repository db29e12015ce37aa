package metrics

import (
	"context"
	"time"

	"github.com/perchlabs/perch/pkg/storage"
)

// Collector refreshes the gauge metrics from storage counts.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := c.store.Stats(ctx)
	if err != nil {
		return
	}

	AgentsTotal.WithLabelValues("active").Set(float64(stats.ActiveAgents))
	AgentsTotal.WithLabelValues("revoked").Set(float64(stats.Agents - stats.ActiveAgents))
	SeriesTotal.Set(float64(stats.Series))
	PointsTotal.Set(float64(stats.Points))
	LogEntriesTotal.Set(float64(stats.LogEntries))
	CommandsPending.Set(float64(stats.CommandsPending))
}
