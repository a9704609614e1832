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

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/tombee/conductor/pkg/observability"
)

func attrString(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// OperationsCounterName is the metric registered by NewTelemetry for
// every durable operation the engine executes, exported to Prometheus
// through the OTel Prometheus exporter/reader.
const OperationsCounterName = "conductor_durable_operations_total"

// Telemetry wires the engine's Run/Step/Join/Race/QueueNext operations to
// an observability.TracerProvider and an OpenTelemetry counter. A nil
// *Telemetry is valid everywhere it is used — every method degrades to a
// no-op — so instrumentation stays entirely opt-in per Engine.
type Telemetry struct {
	tracer observability.Tracer
	ops    otelmetric.Int64Counter
}

// NewTelemetry builds a Telemetry that emits spans through provider
// (instrumentation scope "conductor.durable") and records operation
// counts against a counter obtained from meter. Either argument may be
// nil to disable that half of the wiring.
func NewTelemetry(provider observability.TracerProvider, meter otelmetric.Meter) *Telemetry {
	t := &Telemetry{}
	if provider != nil {
		t.tracer = provider.Tracer("conductor.durable")
	}
	if meter != nil {
		ops, err := meter.Int64Counter(
			OperationsCounterName,
			otelmetric.WithDescription("Count of durable workflow operations, by operation kind and outcome."),
			otelmetric.WithUnit("{operation}"),
		)
		if err == nil {
			t.ops = ops
		}
	}
	return t
}

// span starts a span named "durable.<op>" when tracing is configured,
// returning a context carrying the new span (for callers that fan out
// into branch contexts, so child spans nest under it) and a finish
// closure that records the outcome on both the span and the operation
// counter. finish is always safe to call, including on a nil Telemetry.
func (t *Telemetry) span(ctx context.Context, op string, attrs map[string]any) (context.Context, func(err error)) {
	if t == nil {
		return ctx, func(error) {}
	}
	var span observability.SpanHandle
	if t.tracer != nil {
		ctx, span = t.tracer.Start(ctx, "durable."+op, observability.WithAttributes(attrs))
	}
	return ctx, func(err error) {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(observability.StatusCodeError, err.Error())
			} else {
				span.SetStatus(observability.StatusCodeOK, "")
			}
			span.End()
		}
		if t.ops != nil {
			t.ops.Add(ctx, 1, otelmetric.WithAttributes(
				attrString("operation", op),
				attrString("outcome", outcomeLabel(err)),
			))
		}
	}
}

// outcomeLabel classifies err into a small, bounded set of Prometheus
// label values, so a workflow's arbitrary error text never becomes a
// metric label and blows up cardinality.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	switch err.(type) {
	case *Sleep:
		return "sleep"
	case *MessageWait:
		return "message_wait"
	case *Evicted:
		return "evicted"
	case *RollbackStop:
		return "rollback_stop"
	case *EntryInProgress:
		return "in_progress"
	case *StepFailedError:
		return "step_failed"
	case *StepExhaustedError:
		return "step_exhausted"
	case *HistoryDivergedError:
		return "history_diverged"
	case *CriticalError:
		return "critical"
	case *JoinError:
		return "join_failed"
	case *RaceError:
		return "race_failed"
	case *RollbackCheckpointError:
		return "rollback_checkpoint"
	case *RollbackRequest:
		return "rollback_request"
	default:
		return "error"
	}
}
