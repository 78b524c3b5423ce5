// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mdev

import (
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Stats counts mediator events for one binding.
type Stats struct {
	Pins        atomic.Uint64
	Unpins      atomic.Uint64
	Maps        atomic.Uint64
	Unmaps      atomic.Uint64
	CacheHits   atomic.Uint64
	Resizes     atomic.Uint64
	Invalidated atomic.Uint64

	TrapsInstalled  atomic.Uint64
	TrapsRemoved    atomic.Uint64
	WritesForwarded atomic.Uint64
	WritesDropped   atomic.Uint64

	RegionReads  atomic.Uint64
	RegionWrites atomic.Uint64
	RegionErrors atomic.Uint64

	Teardowns atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats, plus gauges filled in by
// Binding.Stats.
type StatsSnapshot struct {
	Pins        uint64
	Unpins      uint64
	Maps        uint64
	Unmaps      uint64
	CacheHits   uint64
	Resizes     uint64
	Invalidated uint64

	TrapsInstalled  uint64
	TrapsRemoved    uint64
	WritesForwarded uint64
	WritesDropped   uint64

	RegionReads  uint64
	RegionWrites uint64
	RegionErrors uint64

	Teardowns uint64

	// Gauges.
	Mappings        uint64
	ProtectedFrames uint64
	Regions         uint64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Pins:            s.Pins.Load(),
		Unpins:          s.Unpins.Load(),
		Maps:            s.Maps.Load(),
		Unmaps:          s.Unmaps.Load(),
		CacheHits:       s.CacheHits.Load(),
		Resizes:         s.Resizes.Load(),
		Invalidated:     s.Invalidated.Load(),
		TrapsInstalled:  s.TrapsInstalled.Load(),
		TrapsRemoved:    s.TrapsRemoved.Load(),
		WritesForwarded: s.WritesForwarded.Load(),
		WritesDropped:   s.WritesDropped.Load(),
		RegionReads:     s.RegionReads.Load(),
		RegionWrites:    s.RegionWrites.Load(),
		RegionErrors:    s.RegionErrors.Load(),
		Teardowns:       s.Teardowns.Load(),
	}
}

type statMetric struct {
	name  string
	help  string
	typ   dto.MetricType
	value uint64
}

func (s *StatsSnapshot) metrics() []statMetric {
	counter, gauge := dto.MetricType_COUNTER, dto.MetricType_GAUGE
	return []statMetric{
		{"pins_total", "Host page ranges pinned.", counter, s.Pins},
		{"unpins_total", "Host page ranges unpinned.", counter, s.Unpins},
		{"dma_maps_total", "DMA mappings created.", counter, s.Maps},
		{"dma_unmaps_total", "DMA mappings destroyed.", counter, s.Unmaps},
		{"dma_cache_hits_total", "Acquires served by an existing mapping.", counter, s.CacheHits},
		{"dma_resizes_total", "Mappings replaced because the requested length changed.", counter, s.Resizes},
		{"dma_invalidated_total", "Mappings destroyed by unmap notifications.", counter, s.Invalidated},
		{"write_traps_installed_total", "Guest write traps installed.", counter, s.TrapsInstalled},
		{"write_traps_removed_total", "Guest write traps removed.", counter, s.TrapsRemoved},
		{"protected_writes_forwarded_total", "Trapped guest writes forwarded to the device.", counter, s.WritesForwarded},
		{"protected_writes_dropped_total", "Trapped guest writes to frames no longer tracked.", counter, s.WritesDropped},
		{"region_reads_total", "Guest reads of emulated regions.", counter, s.RegionReads},
		{"region_writes_total", "Guest writes of emulated regions.", counter, s.RegionWrites},
		{"region_errors_total", "Failed guest accesses of emulated regions.", counter, s.RegionErrors},
		{"teardowns_total", "Binding teardowns executed.", counter, s.Teardowns},
		{"dma_mappings", "Live DMA mappings.", gauge, s.Mappings},
		{"protected_frames", "Guest frames with write traps.", gauge, s.ProtectedFrames},
		{"regions", "Registered device-specific regions.", gauge, s.Regions},
	}
}

// WriteStatsText writes snap to w in the Prometheus text exposition format,
// labeling every sample with device.
func WriteStatsText(w io.Writer, device string, snap StatsSnapshot) error {
	for _, m := range snap.metrics() {
		metric := &dto.Metric{
			Label: []*dto.LabelPair{{
				Name:  proto.String("device"),
				Value: proto.String(device),
			}},
		}
		v := proto.Float64(float64(m.value))
		if m.typ == dto.MetricType_GAUGE {
			metric.Gauge = &dto.Gauge{Value: v}
		} else {
			metric.Counter = &dto.Counter{Value: v}
		}
		mf := &dto.MetricFamily{
			Name:   proto.String("mdev_" + m.name),
			Help:   proto.String(m.help),
			Type:   m.typ.Enum(),
			Metric: []*dto.Metric{metric},
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
