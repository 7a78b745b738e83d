package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishRoutesByType(t *testing.T) {
	bus := NewBus()
	escalations := bus.Subscribe(TypeEscalationRaised)
	everything := bus.Subscribe()

	bus.Emit(TypeEscalationRaised, "wf-1", map[string]interface{}{"reason": "anger"})
	bus.Emit(TypeWorkflowStatus, "wf-1", map[string]interface{}{"status": "sent"})

	select {
	case ev := <-escalations:
		assert.Equal(t, TypeEscalationRaised, ev.Type)
		assert.Equal(t, "wf-1", ev.Subject)
		assert.Equal(t, Source, ev.Source)
	case <-time.After(time.Second):
		t.Fatal("expected escalation event")
	}
	select {
	case ev := <-escalations:
		t.Fatalf("unexpected event %s on filtered channel", ev.Type)
	default:
	}

	assert.Len(t, everything, 2, "all-subscriber sees both events")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeWorkflowStatus)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Emit(TypeWorkflowStatus, "wf-1", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeWorkflowStatus)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestCloudEventEnvelope(t *testing.T) {
	ev := NewCloudEvent(TypePaymentPlan, "wf-9", map[string]interface{}{"tenant_id": "ten-1"})
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.Equal(t, "ten-1", ev.TenantID)
	assert.NotEmpty(t, ev.ID)

	sse, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(sse), "event: "+TypePaymentPlan)
	assert.Contains(t, string(sse), "id: "+ev.ID)
}
