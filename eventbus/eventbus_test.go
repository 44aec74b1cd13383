package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := Open("", true)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := openTestBus(t)

	sub, err := bus.Subscribe(TopicFocusChanged, 4)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(TopicFocusChanged, FocusChangedPayload{ProjectID: "p1", ProjectName: "Demo"}))

	select {
	case evt := <-sub.Events():
		require.Equal(t, TopicFocusChanged, evt.Topic)
		var payload FocusChangedPayload
		raw, ok := evt.Payload.(json.RawMessage)
		require.True(t, ok)
		require.NoError(t, json.Unmarshal(raw, &payload))
		require.Equal(t, "p1", payload.ProjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_WildcardSubscriptionSeesAllTopics(t *testing.T) {
	bus := openTestBus(t)

	sub, err := bus.Subscribe("*", 8)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(TopicDecisionAdded, DecisionAddedPayload{ProjectID: "p1", DecisionID: "d1"}))
	require.NoError(t, bus.Publish(TopicSacredPlanCreated, SacredPlanCreatedPayload{ProjectID: "p1", PlanID: "plan1"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-sub.Events():
			seen[evt.Topic] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.True(t, seen[TopicDecisionAdded])
	require.True(t, seen[TopicSacredPlanCreated])
}

func TestBus_FullSubscriberQueueDropsWithoutBlockingPublish(t *testing.T) {
	bus := openTestBus(t)

	sub, err := bus.Subscribe(TopicIndexingProgress, 1)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	// Publish faster than the buffer can drain; none of these may block or
	// error the publisher (spec.md §4.5: drop-on-full, no backpressure).
	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(TopicIndexingProgress, IndexingProgressPayload{ProjectID: "p1", Progress: i}))
	}

	select {
	case <-sub.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one delivered event")
	}
}
