package opcua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/orangescada/opcua/config"
)

// fakeSub records monitored item creations.
type fakeSub struct {
	mu        sync.Mutex
	monitored []*ua.MonitoredItemCreateRequest
	cancelled bool
}

func (s *fakeSub) Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitored = append(s.monitored, items...)
	results := make([]*ua.MonitoredItemCreateResult, len(items))
	for i := range items {
		results[i] = &ua.MonitoredItemCreateResult{StatusCode: ua.StatusOK}
	}
	return &ua.CreateMonitoredItemsResponse{Results: results}, nil
}

func (s *fakeSub) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	return nil
}

func (s *fakeSub) monitorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitored)
}

// fakeClient stands in for the OPC UA client. Reads and browses are served
// from in-memory maps; writes are recorded.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	closed     bool
	sub        *fakeSub
	notify     chan<- *opcua.PublishNotificationData
	writes     []*ua.WriteRequest
	writeCode  ua.StatusCode
	values     map[string]*ua.DataValue
	browseTree map[string][]*ua.ReferenceDescription
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		writeCode:  ua.StatusOK,
		values:     make(map[string]*ua.DataValue),
		browseTree: make(map[string][]*ua.ReferenceDescription),
	}
}

func (c *fakeClient) Connect(ctx context.Context) error { return c.connectErr }

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make([]*ua.DataValue, len(req.NodesToRead))
	for i, n := range req.NodesToRead {
		if dv, ok := c.values[n.NodeID.String()]; ok {
			results[i] = dv
		} else {
			results[i] = &ua.DataValue{Status: ua.StatusBadNodeIDUnknown}
		}
	}
	return &ua.ReadResponse{Results: results}, nil
}

func (c *fakeClient) Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, req)
	results := make([]ua.StatusCode, len(req.NodesToWrite))
	for i := range results {
		results[i] = c.writeCode
	}
	return &ua.WriteResponse{Results: results}, nil
}

func (c *fakeClient) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	results := make([]*ua.BrowseResult, len(req.NodesToBrowse))
	for i, d := range req.NodesToBrowse {
		results[i] = &ua.BrowseResult{
			StatusCode: ua.StatusOK,
			References: c.browseTree[d.NodeID.String()],
		}
	}
	return &ua.BrowseResponse{Results: results}, nil
}

func (c *fakeClient) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	return &ua.BrowseNextResponse{Results: []*ua.BrowseResult{{StatusCode: ua.StatusOK}}}, nil
}

func (c *fakeClient) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sub = &fakeSub{}
	c.notify = notifyCh
	return c.sub, nil
}

// push delivers one publish notification as the library would.
func (c *fakeClient) push(n *opcua.PublishNotificationData) {
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	notify <- n
}

func (c *fakeClient) pushChange(handle uint32, value interface{}) {
	c.push(&opcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{
				{
					ClientHandle: handle,
					Value:        &ua.DataValue{Value: ua.MustVariant(value), Status: ua.StatusOK},
				},
			},
		},
	})
}

func (c *fakeClient) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *fakeClient) lastWrite() *ua.WriteValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	req := c.writes[len(c.writes)-1]
	return req.NodesToWrite[0]
}

func (c *fakeClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (s *fakeSub) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// testHarness wires a driver to fake clients; every dial hands out a fresh
// fake.
type testHarness struct {
	driver  *Driver
	cfg     *config.Config
	dials   []*fakeClient
	dialsMu sync.Mutex

	// prepare, when set, configures every freshly dialed fake.
	prepare func(*fakeClient)

	batchesMu sync.Mutex
	batches   []map[string]interface{}

	progressMu sync.Mutex
	progress   []bool // done flags in emission order

	setConfigCalls int
}

func newHarness(file config.File) *testHarness {
	h := &testHarness{cfg: config.New(file)}
	h.driver = New(h.cfg, Handlers{
		Subscribe: func(deviceUid string, values map[string]interface{}) {
			h.batchesMu.Lock()
			h.batches = append(h.batches, values)
			h.batchesMu.Unlock()
		},
		Progress: func(txt string, id int, done bool) {
			h.progressMu.Lock()
			h.progress = append(h.progress, done)
			h.progressMu.Unlock()
		},
		SetConfig: func() {
			h.progressMu.Lock()
			h.setConfigCalls++
			h.progressMu.Unlock()
		},
	})
	h.driver.dial = func(endpoint string, opts ...opcua.Option) (uaClient, error) {
		fc := newFakeClient()
		if h.prepare != nil {
			h.prepare(fc)
		}
		h.dialsMu.Lock()
		h.dials = append(h.dials, fc)
		h.dialsMu.Unlock()
		return fc, nil
	}
	return h
}

func (h *testHarness) lastDial() *fakeClient {
	h.dialsMu.Lock()
	defer h.dialsMu.Unlock()
	if len(h.dials) == 0 {
		return nil
	}
	return h.dials[len(h.dials)-1]
}

func (h *testHarness) dialCount() int {
	h.dialsMu.Lock()
	defer h.dialsMu.Unlock()
	return len(h.dials)
}

func (h *testHarness) lastBatch() map[string]interface{} {
	h.batchesMu.Lock()
	defer h.batchesMu.Unlock()
	if len(h.batches) == 0 {
		return nil
	}
	return h.batches[len(h.batches)-1]
}

// deviceFile builds a single-device configuration document.
func deviceFile(deviceUid string, tags map[string]*config.Tag) config.File {
	return config.File{
		OptionsScheme: config.OptionsScheme{
			Devices: map[string]*config.OptionScheme{
				"endpointUrl": {Type: "string", RestartOnChange: true},
			},
			Tags: map[string]*config.OptionScheme{
				"nodeId": {Type: "string", RestartOnChange: true},
			},
		},
		Devices: map[string]*config.Device{
			deviceUid: {
				Name: "Device " + deviceUid,
				Options: map[string]*config.Option{
					"endpointUrl":  {CurrentValue: "opc.tcp://127.0.0.1:4840"},
					"securityMode": {CurrentValue: "None"},
					"anonymous":    {CurrentValue: true},
					"timeout":      {CurrentValue: float64(5000)},
				},
				Tags: tags,
			},
		},
	}
}

func testTag(name, typ, nodeID string, nodeType uint32, arrayIndex int, writeable bool) *config.Tag {
	return &config.Tag{
		Name:  name,
		Type:  typ,
		Read:  true,
		Write: writeable,
		Options: map[string]*config.Option{
			"nodeId":     {CurrentValue: nodeID},
			"nodeType":   {CurrentValue: float64(nodeType)},
			"arrayIndex": {CurrentValue: float64(arrayIndex)},
		},
	}
}

// waitFor polls until cond holds or the test times out.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}
