// Copyright 2024 Google Inc. All Rights Reserved.
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

// Package metrics exposes the kernel's OpenTelemetry instruments: one
// Meter per subsystem, with attribute sets cached so the hot path (a
// cache lookup, a page fault) never allocates an attribute.Set.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Init wires the package's counters to a real OpenTelemetry
// MeterProvider backed by a Prometheus exporter, and returns an
// http.Handler serving the scrape endpoint. Before Init is called, the
// counters below are harmless no-ops (the OTel global package defers
// instrument creation until a provider is set).
func Init() (http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return promhttp.Handler(), nil
}

// Attribute keys shared across counters below.
const (
	ResultKey  = "result"  // "hit" | "miss" (cache), "out" | "in" (swap I/O)
	SyscallKey = "syscall" // syscall name
)

var (
	cacheMeter   = otel.Meter("pintoskernel/cache")
	vmMeter      = otel.Meter("pintoskernel/vm")
	syscallMeter = otel.Meter("pintoskernel/syscall")

	cacheLookups, _  = cacheMeter.Int64Counter("cache_lookups_total")
	frameEvictions, _ = vmMeter.Int64Counter("frame_evictions_total")
	swapIOs, _        = vmMeter.Int64Counter("swap_ios_total")
	syscallCalls, _   = syscallMeter.Int64Counter("syscalls_total")

	attrSets sync.Map
)

func resultOption(result string) metric.MeasurementOption {
	if v, ok := attrSets.Load(result); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String(ResultKey, result)))
	v, _ := attrSets.LoadOrStore(result, opt)
	return v.(metric.MeasurementOption)
}

func syscallOption(name string) metric.MeasurementOption {
	key := "syscall:" + name
	if v, ok := attrSets.Load(key); ok {
		return v.(metric.MeasurementOption)
	}
	opt := metric.WithAttributeSet(attribute.NewSet(attribute.String(SyscallKey, name)))
	v, _ := attrSets.LoadOrStore(key, opt)
	return v.(metric.MeasurementOption)
}

// RecordCacheHit/RecordCacheMiss bump the buffer-cache lookup counter,
// partitioned by result.
func RecordCacheHit(ctx context.Context)  { cacheLookups.Add(ctx, 1, resultOption("hit")) }
func RecordCacheMiss(ctx context.Context) { cacheLookups.Add(ctx, 1, resultOption("miss")) }

// RecordFrameEviction counts one second-chance eviction of a resident frame.
func RecordFrameEviction(ctx context.Context) { frameEvictions.Add(ctx, 1) }

// RecordSwapOut/RecordSwapIn count swap-disk I/O direction.
func RecordSwapOut(ctx context.Context) { swapIOs.Add(ctx, 1, resultOption("out")) }
func RecordSwapIn(ctx context.Context)  { swapIOs.Add(ctx, 1, resultOption("in")) }

// RecordSyscall counts one dispatched syscall by name.
func RecordSyscall(ctx context.Context, name string) {
	syscallCalls.Add(ctx, 1, syscallOption(name))
}
