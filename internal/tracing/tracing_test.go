package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		Enabled:     true,
		ServiceName: "labimport-test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
		SampleRate:  1,
	})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSampler(t *testing.T) {
	traceID := trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 1}
	decide := func(s sdktrace.Sampler, parent trace.SpanContext) sdktrace.SamplingDecision {
		ctx := trace.ContextWithSpanContext(context.Background(), parent)
		return s.ShouldSample(sdktrace.SamplingParameters{ParentContext: ctx, TraceID: traceID, Name: "op"}).Decision
	}
	root := trace.SpanContext{}
	sampledParent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
	})

	assert.Equal(t, sdktrace.RecordAndSample, decide(Sampler(1), root))
	assert.Equal(t, sdktrace.Drop, decide(Sampler(0), root))
	assert.Equal(t, sdktrace.RecordAndSample, decide(Sampler(0), sampledParent), "parent decision wins")
}
