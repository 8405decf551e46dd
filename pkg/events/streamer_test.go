package events

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docket-ai/docket/pkg/models"
)

func TestWriteSSEFormat(t *testing.T) {
	e := models.Event{
		RunID:   "run-1",
		Seq:     7,
		Type:    models.EventPhase,
		Payload: json.RawMessage(`{"phase":"plan"}`),
	}

	var sb strings.Builder
	require.NoError(t, WriteSSE(&sb, e))
	out := sb.String()

	assert.True(t, strings.HasPrefix(out, "id: 7\ndata: "), out)
	assert.True(t, strings.HasSuffix(out, "\n\n"), "message ends with a blank line")

	var decoded models.Event
	payload := strings.TrimSuffix(strings.SplitN(out, "data: ", 2)[1], "\n\n")
	require.NoError(t, json.Unmarshal([]byte(payload), &decoded))
	assert.Equal(t, e.Seq, decoded.Seq)

	sb.Reset()
	require.NoError(t, WriteDone(&sb))
	assert.Equal(t, "data: [DONE]\n\n", sb.String())
}

func TestStreamerReplaysThenGoesLive(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Close()
	l := NewMemoryLog()
	p := NewPublisher(l, d)
	s := NewStreamer(l, d)

	p.Emit(models.NewEvent("run-1", models.EventPhase, models.PhasePayload{Phase: "understand"}))
	p.Emit(models.NewEvent("run-1", models.EventPhase, models.PhasePayload{Phase: "plan"}))

	var got []models.Event
	done := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		var signalled bool
		done <- s.Stream(context.Background(), "run-1", 0, func(e models.Event) error {
			got = append(got, e)
			if !signalled && len(got) == 2 {
				signalled = true
				close(started)
			}
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("replay did not arrive")
	}

	p.Emit(models.NewEvent("run-1", models.EventComplete, models.CompletePayload{RunID: "run-1"}))

	select {
	case err := <-done:
		require.NoError(t, err, "terminal event ends the stream cleanly")
	case <-time.After(time.Second):
		t.Fatal("stream did not finish")
	}

	require.Len(t, got, 3)
	assert.Equal(t, models.EventComplete, got[2].Type)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Seq)
	}
}

func TestStreamerResumesFromLastEventID(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Close()
	l := NewMemoryLog()
	p := NewPublisher(l, d)
	s := NewStreamer(l, d)

	p.Emit(models.NewEvent("run-1", models.EventPhase, models.PhasePayload{Phase: "understand"}))
	p.Emit(models.NewEvent("run-1", models.EventPhase, models.PhasePayload{Phase: "plan"}))
	p.Emit(models.NewEvent("run-1", models.EventComplete, models.CompletePayload{RunID: "run-1"}))

	var got []models.Event
	err := s.Stream(context.Background(), "run-1", 2, func(e models.Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1, "only events after Last-Event-ID replay")
	assert.Equal(t, int64(3), got[0].Seq)
}

func TestStreamerStopsOnContextCancel(t *testing.T) {
	d := NewDispatcher(8)
	defer d.Close()
	l := NewMemoryLog()
	s := NewStreamer(l, d)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(ctx, "run-1", 0, func(models.Event) error { return nil })
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}
