package opcua

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orangescada/opcua/config"
)

func sharedNodeFile() config.File {
	return deviceFile("D1", map[string]*config.Tag{
		"1": testTag("a0", TypeInt, "ns=2;s=Arr", 6, 0, false),
		"2": testTag("a3", TypeInt, "ns=2;s=Arr", 6, 3, false),
	})
}

func TestMonitoredOncePerNode(t *testing.T) {
	h := newHarness(sharedNodeFile())
	_, err := h.driver.GetTagsValues("D1", []string{"a0", "a3"})
	require.NoError(t, err)

	fc := h.lastDial()
	assert.Equal(t, 1, fc.sub.monitorCount(), "tags sharing a node share one monitored item")

	// Re-reading must not create more items either.
	_, err = h.driver.GetTagsValues("D1", []string{"a0", "a3"})
	require.NoError(t, err)
	assert.Equal(t, 1, fc.sub.monitorCount())
}

func TestFanOut(t *testing.T) {
	h := newHarness(sharedNodeFile())
	_, err := h.driver.GetTagsValues("D1", []string{"a0", "a3"})
	require.NoError(t, err)

	h.lastDial().pushChange(1, []int32{1, 2, 3, 4})
	waitFor(t, func() bool {
		values, _ := h.driver.GetTagsValues("D1", []string{"a0", "a3"})
		return values[0] == int64(1) && values[1] == int64(4)
	}, "fan-out projection")

	// Both tags were subscribed by the read, so one publish yields one batch
	// with both projections.
	batch := h.lastBatch()
	require.NotNil(t, batch)
	assert.Equal(t, int64(1), batch["a0"])
	assert.Equal(t, int64(4), batch["a3"])
}

func TestFanOutOrderFollowsRegistry(t *testing.T) {
	h := newHarness(sharedNodeFile())
	_, err := h.driver.GetTagsValues("D1", []string{"a0", "a3"})
	require.NoError(t, err)

	endpoint := h.cfg.EndpointURL("D1")
	h.driver.mu.Lock()
	c := h.driver.conns[connKey{endpoint: endpoint, deviceUid: "D1"}]
	h.driver.mu.Unlock()
	require.NotNil(t, c)

	c.mu.Lock()
	nr := c.nodes["ns=2;s=Arr"]
	require.NotNil(t, nr)
	require.Len(t, nr.tags, 2)
	assert.Equal(t, "a0", nr.tags[0].name)
	assert.Equal(t, "a3", nr.tags[1].name)
	c.mu.Unlock()
}

func TestSeedOnRegister(t *testing.T) {
	h := newHarness(sharedNodeFile())

	// Register only a0, publish, then register a3: it must be seeded from the
	// node's original value without waiting for another publish.
	_, err := h.driver.GetTagsValues("D1", []string{"a0"})
	require.NoError(t, err)
	h.lastDial().pushChange(1, []int32{1, 2, 3, 4})
	waitFor(t, func() bool {
		values, _ := h.driver.GetTagsValues("D1", []string{"a0"})
		return values[0] == int64(1)
	}, "first publish")

	values, err := h.driver.GetTagsValues("D1", []string{"a3"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), values[0])
	assert.Equal(t, 1, h.lastDial().sub.monitorCount(), "seeding must not add a monitored item")
}

func TestChangeForUnknownHandleIsDropped(t *testing.T) {
	h := newHarness(sharedNodeFile())
	_, err := h.driver.GetTagsValues("D1", []string{"a0"})
	require.NoError(t, err)

	h.lastDial().pushChange(99, []int32{9, 9, 9, 9})
	h.lastDial().pushChange(1, []int32{1, 2, 3, 4})
	waitFor(t, func() bool {
		values, _ := h.driver.GetTagsValues("D1", []string{"a0"})
		return values[0] == int64(1)
	}, "known handle update")
}

func TestUnsubscribedTagsDoNotBatch(t *testing.T) {
	h := newHarness(sharedNodeFile())

	// Bring the connection up without going through a read, so nothing is
	// subscribed yet.
	_, err := h.driver.ensureConnection("D1", []string{"a0"})
	require.NoError(t, err)

	h.lastDial().pushChange(1, []int32{1, 2, 3, 4})
	waitFor(t, func() bool {
		endpoint := h.cfg.EndpointURL("D1")
		h.driver.mu.Lock()
		c := h.driver.conns[connKey{endpoint: endpoint, deviceUid: "D1"}]
		h.driver.mu.Unlock()
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.nodes["ns=2;s=Arr"].original != nil
	}, "pump to store original")

	h.batchesMu.Lock()
	defer h.batchesMu.Unlock()
	assert.Empty(t, h.batches)
}
