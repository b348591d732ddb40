package tracing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestStartEndRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := NewProvider(context.Background(), "test", rec)
	require.NoError(t, err)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := Start(context.Background(), "session.join", attribute.String("exam_id", "math"))
	End(span, errors.New("pool exhausted"))
	_, ok := Start(context.Background(), "session.apply")
	End(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "session.join", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("exam_id", "math"))
	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), "test", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupWritesFile(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Setup(context.Background(), "test", path)
	require.NoError(t, err)

	_, span := Start(context.Background(), "session.expire")
	End(span, nil)
	require.NoError(t, shutdown(context.Background()))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "session.expire")
}
