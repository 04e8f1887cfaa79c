package runtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/sessionflow/internal/runtime/logging"
	"github.com/drblury/sessionflow/transport"
)

func TestBatchHooks_Merge(t *testing.T) {
	var order []string

	first := BatchHooks{
		OnBatchStart: func(BatchContext) { order = append(order, "first-start") },
		OnBatchDone:  func(BatchContext) { order = append(order, "first-done") },
	}
	second := BatchHooks{
		OnBatchStart: func(BatchContext) { order = append(order, "second-start") },
		OnBatchError: func(BatchContext, error) { order = append(order, "second-error") },
		OnFlush:      func(FlushContext, error) { order = append(order, "second-flush") },
	}

	merged := first.Merge(second)
	merged.batchStart(BatchContext{})
	merged.batchDone(BatchContext{})
	merged.batchError(BatchContext{}, errors.New("boom"))
	merged.flush(FlushContext{}, nil)

	assert.Equal(t, []string{"first-start", "second-start", "first-done", "second-error", "second-flush"}, order)
}

func TestBatchHooks_MergeWithEmpty(t *testing.T) {
	called := 0
	hooks := BatchHooks{OnBatchDone: func(BatchContext) { called++ }}

	hooks.Merge(BatchHooks{}).batchDone(BatchContext{})
	BatchHooks{}.Merge(hooks).batchDone(BatchContext{})

	assert.Equal(t, 2, called)
}

func TestBatchHooks_NilHooksAreSkipped(t *testing.T) {
	var hooks BatchHooks
	assert.NotPanics(t, func() {
		hooks.batchStart(BatchContext{})
		hooks.batchDone(BatchContext{})
		hooks.batchError(BatchContext{}, errors.New("x"))
		hooks.flush(FlushContext{}, nil)
	})
}

func TestLoggingHooks(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	hooks := LoggingHooks(logger)

	hooks.OnBatchDone(BatchContext{Lane: "main", Topic: "ingest", Records: 10, Accepted: 8, Duration: 5 * time.Millisecond})
	hooks.OnBatchError(BatchContext{Lane: "main", Topic: "ingest", Records: 3}, errors.New("pipeline broke"))
	hooks.OnFlush(FlushContext{Blocks: 4, Offsets: []transport.Offset{{Topic: "ingest", Partition: 0, Offset: 9}}}, nil)
	hooks.OnFlush(FlushContext{Blocks: 4}, errors.New("storage down"))

	var lines []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		lines = append(lines, entry)
	}
	require.Len(t, lines, 4)

	assert.Equal(t, "Batch completed", lines[0]["msg"])
	assert.Equal(t, float64(8), lines[0]["accepted"])
	assert.Equal(t, "Batch failed", lines[1]["msg"])
	assert.Equal(t, "pipeline broke", lines[1]["error"])
	assert.Equal(t, "Flushed session batch", lines[2]["msg"])
	assert.Equal(t, float64(1), lines[2]["partitions"])
	assert.Equal(t, "ERROR", lines[3]["level"])
	assert.Equal(t, "storage down", lines[3]["error"])
}

func TestAlertingHooks(t *testing.T) {
	var alerts []string
	hooks := AlertingHooks(func(stage string, err error) {
		alerts = append(alerts, stage+": "+err.Error())
	})

	hooks.OnBatchError(BatchContext{}, errors.New("a"))
	hooks.OnFlush(FlushContext{}, nil)
	hooks.OnFlush(FlushContext{}, errors.New("b"))

	assert.Equal(t, []string{"batch: a", "flush: b"}, alerts)
	assert.Nil(t, hooks.OnBatchStart)
}
