package events

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/tactus/internal/models"
)

func TestEmitterStampsSequence(t *testing.T) {
	sink := &MemorySink{}
	e := NewEmitter("proc-1", sink)

	e.Emit(models.EventExecution, models.StageStart, nil)
	e.Emit(models.EventTurn, models.StageStart, map[string]any{"agent": "worker"})
	e.Emit(models.EventExecution, models.StageComplete, nil)

	got := sink.Events()
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, "proc-1", ev.ProcedureID)
		assert.False(t, ev.Timestamp.IsZero())
	}
	assert.Equal(t, "worker", got[1].Details["agent"])
}

func TestNilSinkDiscards(t *testing.T) {
	e := NewEmitter("p", nil)
	ev := e.Emit(models.EventLog, models.StageProgress, nil)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestChannelSinkStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := NewChannelSink(ctx, 1)
	e := NewEmitter("p", sink)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5; i++ {
			e.Emit(models.EventTool, models.StageComplete, nil)
		}
		sink.Close()
	}()

	var seqs []int64
	for ev := range sink.Events() {
		seqs = append(seqs, ev.Seq)
	}
	wg.Wait()
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)

	// emitting after close is a no-op
	sink.Emit(models.Event{})
	sink.Close()
}

func TestChannelSinkUnblocksOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sink := NewChannelSink(ctx, 0)

	done := make(chan struct{})
	go func() {
		sink.Emit(models.Event{Seq: 1})
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit did not return after consumer cancelled")
	}
}

func TestLogSinkAndMulti(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf).Level(zerolog.InfoLevel)
	mem := &MemorySink{}
	var count int
	m := Multi{LogSink{Log: log}, mem, nil, SinkFunc(func(models.Event) { count++ })}

	e := NewEmitter("p", m)
	e.Emit(models.EventLog, models.StageProgress, map[string]any{"level": "warn", "message": "careful"})
	e.Emit(models.EventTurn, models.StageStart, nil)

	assert.Len(t, mem.Events(), 2)
	assert.Equal(t, 2, count)
	assert.Contains(t, buf.String(), "careful")
	assert.NotContains(t, buf.String(), `"event_type":"turn"`, "turn events log at debug")
}
