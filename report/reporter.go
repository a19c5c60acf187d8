package report

import (
	"sync/atomic"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// Metrics is a snapshot of the counters collected by MetricsReporter
type Metrics struct {
	CacheHits       uint64
	CacheMisses     uint64
	DecodeSubmits   uint64
	DecodeSuccesses uint64
	DecodeFailures  uint64
	StaleDiscards   uint64
	Evictions       uint64
	InvalidReleases uint64
}

// MetricsReporter collects load/decode/cache metrics
type MetricsReporter struct {
	InstanceID string

	cacheHits       uint64
	cacheMisses     uint64
	decodeSubmits   uint64
	decodeSuccesses uint64
	decodeFailures  uint64
	staleDiscards   uint64
	evictions       uint64
	invalidReleases uint64
}

// NewMetricsReporter creates a new MetricsReporter
func NewMetricsReporter() *MetricsReporter {
	return &MetricsReporter{
		InstanceID: xid.New().String(),
	}
}

// ReportCacheHit reports a buffer cache hit
func (reporter *MetricsReporter) ReportCacheHit() {
	atomic.AddUint64(&reporter.cacheHits, 1)
}

// ReportCacheMiss reports a buffer cache miss
func (reporter *MetricsReporter) ReportCacheMiss() {
	atomic.AddUint64(&reporter.cacheMisses, 1)
}

// ReportDecodeSubmit reports submission of a decode job
func (reporter *MetricsReporter) ReportDecodeSubmit() {
	atomic.AddUint64(&reporter.decodeSubmits, 1)
}

// ReportDecodeSuccess reports a successful decode delivery
func (reporter *MetricsReporter) ReportDecodeSuccess() {
	atomic.AddUint64(&reporter.decodeSuccesses, 1)
}

// ReportDecodeFailure reports a failed decode delivery
func (reporter *MetricsReporter) ReportDecodeFailure() {
	atomic.AddUint64(&reporter.decodeFailures, 1)
}

// ReportStaleDiscard reports a decode result discarded because its handle
// was superseded by a rebind
func (reporter *MetricsReporter) ReportStaleDiscard() {
	atomic.AddUint64(&reporter.staleDiscards, 1)
}

// ReportEviction reports eviction of an unreferenced cache entry
func (reporter *MetricsReporter) ReportEviction() {
	atomic.AddUint64(&reporter.evictions, 1)
}

// ReportInvalidRelease reports a release of an unknown or unreferenced entry
func (reporter *MetricsReporter) ReportInvalidRelease() {
	atomic.AddUint64(&reporter.invalidReleases, 1)
}

// Snapshot returns a copy of the current counters
func (reporter *MetricsReporter) Snapshot() Metrics {
	return Metrics{
		CacheHits:       atomic.LoadUint64(&reporter.cacheHits),
		CacheMisses:     atomic.LoadUint64(&reporter.cacheMisses),
		DecodeSubmits:   atomic.LoadUint64(&reporter.decodeSubmits),
		DecodeSuccesses: atomic.LoadUint64(&reporter.decodeSuccesses),
		DecodeFailures:  atomic.LoadUint64(&reporter.decodeFailures),
		StaleDiscards:   atomic.LoadUint64(&reporter.staleDiscards),
		Evictions:       atomic.LoadUint64(&reporter.evictions),
		InvalidReleases: atomic.LoadUint64(&reporter.invalidReleases),
	}
}

// Report writes the current counters to the log
func (reporter *MetricsReporter) Report() {
	logger := log.WithFields(log.Fields{
		"package":  "report",
		"struct":   "MetricsReporter",
		"function": "Report",
	})

	metrics := reporter.Snapshot()

	logger.Infof("instance %s: cache hits %d, misses %d", reporter.InstanceID, metrics.CacheHits, metrics.CacheMisses)
	logger.Infof("instance %s: decode submits %d, successes %d, failures %d", reporter.InstanceID, metrics.DecodeSubmits, metrics.DecodeSuccesses, metrics.DecodeFailures)
	logger.Infof("instance %s: stale discards %d, evictions %d, invalid releases %d", reporter.InstanceID, metrics.StaleDiscards, metrics.Evictions, metrics.InvalidReleases)
}
