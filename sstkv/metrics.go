//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package sstkv

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the store's prometheus collectors. A nil *Metrics is valid
// and turns every observation into a no-op, so the store never forces a
// registry on its users.
type Metrics struct {
	SegmentCount    prometheus.Gauge
	EntryCount      prometheus.Gauge
	ObsoleteEntries prometheus.Gauge
	CommitDuration  prometheus.Observer
	CompactDuration prometheus.Observer
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{}

	segmentCount := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sstkv_segment_count",
		Help: "Number of live segment files",
	})
	entryCount := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sstkv_entry_count",
		Help: "Total entries across live segment files",
	})
	obsolete := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sstkv_obsolete_entries_estimate",
		Help: "Estimated entries shadowed by newer segments",
	})
	commit := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sstkv_commit_duration_seconds",
		Help:    "Duration of write batch commits",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})
	compact := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sstkv_compaction_duration_seconds",
		Help:    "Duration of compaction runs",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	reg.MustRegister(segmentCount, entryCount, obsolete, commit, compact)

	m.SegmentCount = segmentCount
	m.EntryCount = entryCount
	m.ObsoleteEntries = obsolete
	m.CommitDuration = commit
	m.CompactDuration = compact
	return m
}

func (m *Metrics) observeFileSet(meta *storeMeta) {
	if m == nil {
		return
	}

	var entries, obsolete uint64
	for _, seg := range meta.segments {
		entries += seg.entryCount
		obsolete += seg.obsolete
	}
	m.SegmentCount.Set(float64(len(meta.segments)))
	m.EntryCount.Set(float64(entries))
	m.ObsoleteEntries.Set(float64(obsolete))
}

func (m *Metrics) observeCommit(took time.Duration) {
	if m == nil {
		return
	}
	m.CommitDuration.Observe(took.Seconds())
}

func (m *Metrics) observeCompaction(took time.Duration) {
	if m == nil {
		return
	}
	m.CompactDuration.Observe(took.Seconds())
}
