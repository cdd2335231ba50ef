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

// Package tracing wraps OpenTelemetry tracing setup for the kernel: a
// single tracer, and a helper that starts a span; the syscall layer
// starts one per syscall.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pintoskernel")

// Enable installs a stdout span exporter as the global tracer
// provider. Intended for `--trace` debugging runs of cmd/pintoskernel;
// tests leave tracing on the no-op default provider.
func Enable() (shutdown func(context.Context) error, err error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Start begins a span named for the given operation (e.g. "syscall.open")
// and returns the derived context and an end function.
func Start(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := tracer.Start(ctx, name, oteltrace.WithSpanKind(oteltrace.SpanKindInternal))
	return ctx, func() { span.End() }
}
