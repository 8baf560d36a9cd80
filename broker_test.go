package hotrod_test

import (
	"testing"

	"github.com/ZenLiuCN/hotrod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dispatcher interface {
	Dispatch(event string)
}

type queue struct {
	events []string
}

func (q *queue) Dispatch(event string) {
	q.events = append(q.events, event)
}

func TestEngineContextPublish(t *testing.T) {
	tester := &hotrod.Tester{}
	e, err := hotrod.NewEngineContext(hotrod.Capability{Kind: hotrod.CapTest, Value: tester})
	require.NoError(t, err)
	require.NoError(t, e.Publish(hotrod.CapDispatcher, &queue{}))
	assert.Equal(t, 2, e.Len())

	assert.ErrorIs(t, e.Publish(hotrod.CapTest, &hotrod.Tester{}), hotrod.ErrAlreadyPublished)
	assert.ErrorIs(t, e.Publish(hotrod.CapUnknown, 1), hotrod.ErrCapabilityType)
	assert.ErrorIs(t, e.Publish(hotrod.CapRenderer, nil), hotrod.ErrCapabilityType)

	caps := e.Capabilities()
	require.Len(t, caps, 2)
	assert.Equal(t, hotrod.CapTest, caps[0].Kind)
	assert.Same(t, tester, caps[0].Value)
	assert.Equal(t, hotrod.CapDispatcher, caps[1].Kind)

	_, err = hotrod.NewEngineContext(
		hotrod.Capability{Kind: hotrod.CapTest, Value: tester},
		hotrod.Capability{Kind: hotrod.CapTest, Value: tester},
	)
	assert.ErrorIs(t, err, hotrod.ErrAlreadyPublished)
}

func TestEngineContextLimit(t *testing.T) {
	e, err := hotrod.NewEngineContext()
	require.NoError(t, err)
	for k := range hotrod.MaxCapabilities {
		require.NoError(t, e.Publish(hotrod.CapabilityKind(k+1), k))
	}
	assert.Equal(t, hotrod.MaxCapabilities, e.Len())
	assert.ErrorIs(t, e.Publish(hotrod.CapabilityKind(hotrod.MaxCapabilities+1), 0), hotrod.ErrCapabilityLimit)
	assert.Equal(t, hotrod.MaxCapabilities, e.Len())
}

func TestLookup(t *testing.T) {
	q := &queue{}
	e, err := hotrod.NewEngineContext(hotrod.Capability{Kind: hotrod.CapDispatcher, Value: q})
	require.NoError(t, err)

	d, err := hotrod.Lookup[dispatcher](e, hotrod.CapDispatcher)
	require.NoError(t, err)
	d.Dispatch("tick")
	assert.Equal(t, []string{"tick"}, q.events)

	_, err = hotrod.Lookup[*hotrod.Tester](e, hotrod.CapDispatcher)
	assert.ErrorIs(t, err, hotrod.ErrCapabilityType)

	_, err = hotrod.Lookup[*hotrod.Tester](e, hotrod.CapTest)
	assert.ErrorIs(t, err, hotrod.ErrCapabilityMissing)

	_, err = hotrod.Lookup[dispatcher](nil, hotrod.CapDispatcher)
	assert.ErrorIs(t, err, hotrod.ErrCapabilityMissing)
}

func TestCapabilityKindString(t *testing.T) {
	assert.Equal(t, "SUB_TEST", hotrod.CapTest.String())
	assert.Equal(t, "SUB_THREAD_POOL", hotrod.CapThreadPool.String())
	assert.Equal(t, "SUB_DISPATCHER", hotrod.CapDispatcher.String())
	assert.Equal(t, "SUB_IMGUI", hotrod.CapRenderer.String())
	assert.Equal(t, "unknown", hotrod.CapUnknown.String())
}
