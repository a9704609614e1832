// Copyright 2025 Tom Barlow
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

package durable

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tombee/conductor/pkg/observability"
)

// fakeTracer records every span it starts and ends, so tests can assert
// on span names, attributes, and final status without a real exporter.
type fakeTracer struct {
	spans []*fakeSpan
}

func (f *fakeTracer) Tracer(name string) observability.Tracer { return f }

func (f *fakeTracer) Start(ctx context.Context, name string, opts ...observability.SpanOption) (context.Context, observability.SpanHandle) {
	cfg := &observability.SpanConfig{}
	for _, o := range opts {
		o.ApplySpanOption(cfg)
	}
	s := &fakeSpan{name: name, attrs: cfg.Attributes}
	f.spans = append(f.spans, s)
	return ctx, s
}

func (f *fakeTracer) Shutdown(ctx context.Context) error   { return nil }
func (f *fakeTracer) ForceFlush(ctx context.Context) error { return nil }

type fakeSpan struct {
	name   string
	attrs  map[string]any
	ended  bool
	status observability.StatusCode
	errs   []error
}

func (s *fakeSpan) End(opts ...observability.SpanEndOption)           { s.ended = true }
func (s *fakeSpan) SetStatus(code observability.StatusCode, _ string) { s.status = code }
func (s *fakeSpan) SetAttributes(attrs map[string]any)                {}
func (s *fakeSpan) AddEvent(name string, attrs map[string]any)        {}
func (s *fakeSpan) SpanContext() observability.TraceContext          { return observability.TraceContext{} }
func (s *fakeSpan) RecordError(err error)                             { s.errs = append(s.errs, err) }

func TestTelemetry_NilIsNoOp(t *testing.T) {
	var tel *Telemetry
	ctx, end := tel.span(context.Background(), "step", nil)
	require.NotNil(t, ctx)
	require.NotPanics(t, func() { end(nil) })
}

func TestTelemetry_RecordsSpanOutcome(t *testing.T) {
	tracer := &fakeTracer{}
	tel := NewTelemetry(tracer, nil)

	_, end := tel.span(context.Background(), "step", map[string]any{"name": "work"})
	end(nil)

	require.Len(t, tracer.spans, 1)
	span := tracer.spans[0]
	require.Equal(t, "durable.step", span.name)
	require.Equal(t, "work", span.attrs["name"])
	require.True(t, span.ended)
	require.Equal(t, observability.StatusCodeOK, span.status)
	require.Empty(t, span.errs)
}

func TestTelemetry_RecordsSpanError(t *testing.T) {
	tracer := &fakeTracer{}
	tel := NewTelemetry(tracer, nil)

	_, end := tel.span(context.Background(), "join", nil)
	end(&JoinError{})

	require.Len(t, tracer.spans, 1)
	require.Equal(t, observability.StatusCodeError, tracer.spans[0].status)
	require.Len(t, tracer.spans[0].errs, 1)
}

func TestTelemetry_IncrementsOperationCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	tel := NewTelemetry(nil, mp.Meter("test"))

	_, end := tel.span(context.Background(), "step", nil)
	end(nil)
	_, end2 := tel.span(context.Background(), "step", nil)
	end2(&StepFailedError{})

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	require.Len(t, data.ScopeMetrics, 1)
	require.Len(t, data.ScopeMetrics[0].Metrics, 1)
	require.Equal(t, OperationsCounterName, data.ScopeMetrics[0].Metrics[0].Name)

	sum, ok := data.ScopeMetrics[0].Metrics[0].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 2)

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	require.Equal(t, int64(2), total)
}

func TestOutcomeLabel(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "ok"},
		{"sleep", &Sleep{}, "sleep"},
		{"message_wait", &MessageWait{}, "message_wait"},
		{"evicted", &Evicted{}, "evicted"},
		{"rollback_stop", &RollbackStop{}, "rollback_stop"},
		{"in_progress", &EntryInProgress{}, "in_progress"},
		{"step_failed", &StepFailedError{}, "step_failed"},
		{"step_exhausted", &StepExhaustedError{}, "step_exhausted"},
		{"history_diverged", &HistoryDivergedError{}, "history_diverged"},
		{"critical", &CriticalError{}, "critical"},
		{"join_failed", &JoinError{}, "join_failed"},
		{"race_failed", &RaceError{}, "race_failed"},
		{"rollback_checkpoint", &RollbackCheckpointError{}, "rollback_checkpoint"},
		{"rollback_request", &RollbackRequest{}, "rollback_request"},
		{"other", errors.New("boom"), "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, outcomeLabel(tc.err))
		})
	}
}
