package metrics

import (
	"time"

	"github.com/cuemby/nscoord/pkg/types"
)

// CatalogSource is the minimal read surface the collector needs from the
// catalog store. Defined here (rather than imported) to avoid a import
// cycle, since pkg/catalog itself uses this package for instrumentation.
type CatalogSource interface {
	ListTables() []*types.TableInfo
	ListTablets() []types.Tablet
	ListBlobServers() []types.BlobServer
}

// CoordSource is the minimal read surface the collector needs from the
// coordination client.
type CoordSource interface {
	IsLeader() bool
	Term() uint64
	PeerCount() int
}

// Collector periodically samples catalog and coordination state into
// Prometheus gauges.
type Collector struct {
	catalog CatalogSource
	coord   CoordSource
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(catalog CatalogSource, coord CoordSource) *Collector {
	return &Collector{
		catalog: catalog,
		coord:   coord,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectCatalogMetrics()
	c.collectCoordMetrics()
}

func (c *Collector) collectCatalogMetrics() {
	if c.catalog == nil {
		return
	}
	TablesTotal.Set(float64(len(c.catalog.ListTables())))

	tabletCounts := map[types.LivenessState]int{}
	for _, t := range c.catalog.ListTablets() {
		tabletCounts[t.State]++
	}
	TabletsTotal.WithLabelValues(string(types.StateHealthy)).Set(float64(tabletCounts[types.StateHealthy]))
	TabletsTotal.WithLabelValues(string(types.StateOffline)).Set(float64(tabletCounts[types.StateOffline]))

	blobCounts := map[types.LivenessState]int{}
	for _, b := range c.catalog.ListBlobServers() {
		blobCounts[b.State]++
	}
	BlobServersTotal.WithLabelValues(string(types.StateHealthy)).Set(float64(blobCounts[types.StateHealthy]))
	BlobServersTotal.WithLabelValues(string(types.StateOffline)).Set(float64(blobCounts[types.StateOffline]))
}

func (c *Collector) collectCoordMetrics() {
	if c.coord == nil {
		return
	}
	if c.coord.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftTerm.Set(float64(c.coord.Term()))
	RaftPeers.Set(float64(c.coord.PeerCount()))
}
