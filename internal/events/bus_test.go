package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

func completedEvent(id string) *WorkflowCompleted {
	return &WorkflowCompleted{
		Workflow: &models.Workflow{ID: id, Name: id},
		Result:   &models.WorkflowExecutionResult{WorkflowID: id, Status: models.ExecutionSuccess},
		At:       time.Now().UTC(),
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := NewBus(10, nil)

	var mu sync.Mutex
	var got []Kind
	unsubscribe := bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) {
		mu.Lock()
		got = append(got, e.Kind())
		mu.Unlock()
	}))

	bus.Publish(context.Background(), completedEvent("wf-1"))
	bus.Publish(context.Background(), &WorkflowExecutionError{WorkflowID: "wf-1", Err: errors.New("boom"), At: time.Now()})

	unsubscribe()
	bus.Publish(context.Background(), completedEvent("wf-2"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{KindWorkflowCompleted, KindWorkflowExecutionError}, got)
}

func TestBusRecoversFromPanickingSubscriber(t *testing.T) {
	bus := NewBus(10, nil)
	delivered := 0
	bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) { panic("bad subscriber") }))
	bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) { delivered++ }))

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), completedEvent("wf-1"))
	})
	assert.Equal(t, 1, delivered)
}

func TestBusSubscriberMayChangeSubscriptions(t *testing.T) {
	bus := NewBus(10, nil)

	var followUps int
	var unsubscribe func()
	unsubscribe = bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) {
		unsubscribe()
		bus.Subscribe(SubscriberFunc(func(ctx context.Context, e Event) { followUps++ }))
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		bus.Publish(context.Background(), completedEvent("wf-1"))
		bus.Publish(context.Background(), completedEvent("wf-2"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish deadlocked on a subscriber that changed subscriptions")
	}
	assert.Equal(t, 1, followUps)
}

func TestBusChannelSubscriberDropsWhenFull(t *testing.T) {
	bus := NewBus(10, nil)
	ch, unsubscribe := bus.SubscribeChan(1)

	bus.Publish(context.Background(), completedEvent("wf-1"))
	bus.Publish(context.Background(), completedEvent("wf-2"))

	e := <-ch
	assert.Equal(t, "wf-1", e.(*WorkflowCompleted).Workflow.ID)
	select {
	case extra := <-ch:
		t.Fatalf("expected second event to be dropped, got %v", extra)
	default:
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestBusRecentKeepsNewestInOrder(t *testing.T) {
	bus := NewBus(3, nil)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		bus.Publish(context.Background(), completedEvent(id))
	}

	all := bus.Recent(0)
	require.Len(t, all, 3)
	ids := make([]string, 0, len(all))
	for _, e := range all {
		ids = append(ids, e.(*WorkflowCompleted).Workflow.ID)
	}
	assert.Equal(t, []string{"c", "d", "e"}, ids)

	last := bus.Recent(2)
	require.Len(t, last, 2)
	assert.Equal(t, "d", last[0].(*WorkflowCompleted).Workflow.ID)
}

func TestEnvelopeEncoding(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := Encode(&WorkflowExecutionError{WorkflowID: "wf-9", ExecutionID: "ex-1", Err: errors.New("handler exploded"), At: at})
	require.NoError(t, err)

	var decoded struct {
		Kind       string          `json:"kind"`
		OccurredAt time.Time       `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "workflow_execution_error", decoded.Kind)
	assert.True(t, at.Equal(decoded.OccurredAt))
	assert.JSONEq(t, `{"workflow_id":"wf-9","execution_id":"ex-1","error":"handler exploded"}`, string(decoded.Payload))
}
