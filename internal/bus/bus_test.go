package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentmgr/pkg/protocol"
)

func TestPublishDeliversToAllSubscribersBeforeReturning(t *testing.T) {
	b := New()
	var calls []string
	b.Subscribe(protocol.EventAgentRegistered, func(p protocol.Payload) {
		calls = append(calls, "first")
	})
	b.Subscribe(protocol.EventAgentRegistered, func(p protocol.Payload) {
		calls = append(calls, "second")
	})

	b.Publish(protocol.AgentRegistered{AgentID: "a1"})

	require.Equal(t, []string{"first", "second"}, calls)
}

func TestPublishDeliversExactlyOncePerSubscriber(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe(protocol.EventTaskStarted, func(p protocol.Payload) { count++ })

	b.Publish(protocol.TaskStarted{TaskID: "t1"})
	b.Publish(protocol.TaskStarted{TaskID: "t2"})

	assert.Equal(t, 2, count)
}

func TestSubscriberReceivesTypedPayload(t *testing.T) {
	b := New()
	var got protocol.AgentStateChanged
	b.Subscribe(protocol.EventAgentStateChanged, func(p protocol.Payload) {
		var ok bool
		got, ok = p.(protocol.AgentStateChanged)
		require.True(t, ok)
	})

	b.Publish(protocol.AgentStateChanged{AgentID: "a1", From: "idle", To: "running"})

	assert.Equal(t, "a1", got.AgentID)
	assert.Equal(t, "running", got.To)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	id := b.Subscribe(protocol.EventSkillRemoved, func(p protocol.Payload) { count++ })

	b.Publish(protocol.SkillRemoved{SkillID: "s1"})
	b.Unsubscribe(protocol.EventSkillRemoved, id)
	b.Publish(protocol.SkillRemoved{SkillID: "s2"})

	assert.Equal(t, 1, count)
}

func TestSubscribeAllCoversClosedSet(t *testing.T) {
	b := New()
	tokens := b.SubscribeAll(func(p protocol.Payload) {})
	assert.Len(t, tokens, len(protocol.Names()))
	for _, name := range protocol.Names() {
		assert.Equal(t, 1, b.SubscriberCount(name))
	}
}

func TestEventsArriveInPublicationOrder(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(protocol.EventWorkspaceGitEvent, func(p protocol.Payload) {
		order = append(order, p.(protocol.WorkspaceGitEvent).Detail)
	})

	for _, d := range []string{"one", "two", "three"} {
		b.Publish(protocol.WorkspaceGitEvent{Path: "/w", Kind: protocol.GitEventCommit, Detail: d})
	}

	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	b := New()
	var mu sync.Mutex
	count := 0
	b.Subscribe(protocol.EventMessageReceived, func(p protocol.Payload) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(protocol.MessageReceived{MessageID: "m"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 16, count)
}

func TestHandlerMaySubscribeDuringPublish(t *testing.T) {
	b := New()
	late := 0
	b.Subscribe(protocol.EventTaskCompleted, func(p protocol.Payload) {
		b.Subscribe(protocol.EventTaskCompleted, func(p protocol.Payload) { late++ })
	})

	b.Publish(protocol.TaskCompleted{TaskID: "t1"})
	assert.Equal(t, 0, late, "handler added mid-publish must not see the in-flight event")

	b.Publish(protocol.TaskCompleted{TaskID: "t2"})
	assert.Equal(t, 1, late)
}
