package supervisor

import (
	"sync"
	"time"
)

// batchWindow is the coalescing window for outbound value changes.
const batchWindow = 100 * time.Millisecond

// transIDGap keeps generated async transIDs clear of the supervisor's own
// request ids.
const transIDGap = 10

// Batcher coalesces per-tag change notifications into asyncTagsValues frames.
// Within one window, updates to the same (device, tag) collapse to the latest
// value; devices flush in first-update order.
type Batcher struct {
	mu      sync.Mutex
	pending map[string]map[string]interface{}
	order   []string
	nextID  int64

	send      func(frame interface{})
	lastReqID func() int64
	stop      chan struct{}
	stopOnce  sync.Once
}

func newBatcher(send func(frame interface{}), lastReqID func() int64) *Batcher {
	return &Batcher{
		pending:   make(map[string]map[string]interface{}),
		send:      send,
		lastReqID: lastReqID,
		stop:      make(chan struct{}),
	}
}

// Add queues one device's projected values for the next flush.
func (b *Batcher) Add(deviceUid string, values map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, ok := b.pending[deviceUid]
	if !ok {
		bucket = make(map[string]interface{})
		b.pending[deviceUid] = bucket
		b.order = append(b.order, deviceUid)
	}
	for name, v := range values {
		bucket[name] = v
	}
}

// Run flushes on every window tick until Stop.
func (b *Batcher) Run() {
	ticker := time.NewTicker(batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			b.Flush()
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Stop ends the flush loop after a final flush.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Flush emits one asyncTagsValues frame per pending device.
func (b *Batcher) Flush() {
	b.mu.Lock()
	if len(b.order) == 0 {
		b.mu.Unlock()
		return
	}
	order := b.order
	pending := b.pending
	b.order = nil
	b.pending = make(map[string]map[string]interface{})
	frames := make([]asyncFrame, 0, len(order))
	for _, deviceUid := range order {
		frames = append(frames, asyncFrame{
			Cmd:       "asyncTagsValues",
			TransID:   b.generateID(),
			DeviceUid: deviceUid,
			Values:    pending[deviceUid],
		})
	}
	b.mu.Unlock()

	for i := range frames {
		b.send(frames[i])
	}
}

// generateID returns the next async transID, at least transIDGap above the
// last supervisor request id. Callers hold b.mu.
func (b *Batcher) generateID() int64 {
	floor := b.lastReqID() + transIDGap
	if b.nextID < floor {
		b.nextID = floor
	}
	id := b.nextID
	b.nextID++
	return id
}
