package opcua

import (
	"context"

	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"github.com/orangescada/opcua/config"
)

// Monitored item parameters for every node.
const (
	samplingInterval = 1000.0
	itemQueueSize    = 10
)

// tagRecordFromConfig snapshots a configured tag into its runtime record.
func (d *Driver) tagRecordFromConfig(deviceUid, name string) (*tagRecord, Error) {
	t := d.cfg.TagByName(deviceUid, name)
	if t == nil {
		return nil, ErrTagNotFound
	}
	nodeID, ok := config.TagOptionString(t, "nodeId")
	if !ok || nodeID == "" {
		return nil, ErrConfigError
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		logrus.Errorf("OPCUA: tag %s has invalid nodeId %q: %v", name, nodeID, err)
		return nil, ErrConfigError
	}
	nodeType, _ := config.TagOptionInt(t, "nodeType")
	arrayIndex, ok := config.TagOptionInt(t, "arrayIndex")
	if !ok {
		arrayIndex = -1
	}
	return &tagRecord{
		name:       name,
		typ:        t.Type,
		write:      t.Write,
		nodeID:     nodeID,
		parsedID:   parsed,
		nodeType:   uint32(nodeType),
		arrayIndex: arrayIndex,
	}, ""
}

// registerTags adds every named tag that is not yet in the registry. Tags that
// cannot be snapshotted are logged and skipped; the read path reports their
// error per tag.
func (d *Driver) registerTags(c *connection, names []string) {
	for _, name := range names {
		c.mu.Lock()
		_, exists := c.tags[name]
		c.mu.Unlock()
		if exists {
			continue
		}
		rec, derr := d.tagRecordFromConfig(c.key.deviceUid, name)
		if derr != "" {
			logrus.Warnf("OPCUA: tag %s on device %s not registered: %s", name, c.key.deviceUid, derr)
			continue
		}
		d.registerTag(c, rec)
	}
}

// registerTag inserts one record. A node already in the ns map only extends
// the fan-out list — the node keeps its single monitored item — and the new
// record is seeded from the node's last raw value. A fresh node gets a new
// monitored item.
func (d *Driver) registerTag(c *connection, rec *tagRecord) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, exists := c.tags[rec.name]; exists {
		c.mu.Unlock()
		return
	}
	c.tags[rec.name] = rec

	if nr, ok := c.nodes[rec.nodeID]; ok {
		nr.tags = append(nr.tags, rec)
		rec.value = ValueByIndex(rec.typ, rec.arrayIndex, nr.original)
		c.mu.Unlock()
		return
	}

	nr := &nodeRecord{nodeID: rec.nodeID, tags: []*tagRecord{rec}}
	c.nodes[rec.nodeID] = nr
	c.nextHandle++
	handle := c.nextHandle
	c.handles[handle] = nr
	sub := c.sub
	c.mu.Unlock()

	if sub == nil {
		logrus.Warnf("OPCUA: no subscription for %s, node %s not monitored", c.key.deviceUid, rec.nodeID)
		return
	}
	res, err := sub.Monitor(context.Background(), ua.TimestampsToReturnBoth, &ua.MonitoredItemCreateRequest{
		ItemToMonitor: &ua.ReadValueID{
			NodeID:       rec.parsedID,
			AttributeID:  ua.AttributeIDValue,
			DataEncoding: &ua.QualifiedName{},
		},
		MonitoringMode: ua.MonitoringModeReporting,
		RequestedParameters: &ua.MonitoringParameters{
			ClientHandle:     handle,
			SamplingInterval: samplingInterval,
			DiscardOldest:    true,
			QueueSize:        itemQueueSize,
		},
	})
	if err != nil {
		logrus.Errorf("OPCUA: monitor %s on %s failed: %v", rec.nodeID, c.key.deviceUid, err)
		return
	}
	if len(res.Results) > 0 && res.Results[0].StatusCode != ua.StatusOK {
		logrus.Errorf("OPCUA: monitor %s on %s rejected: %v", rec.nodeID, c.key.deviceUid, res.Results[0].StatusCode)
	}
}

// markSubscribed flags the named tags so the change pump forwards their
// updates to the supervisor.
func (d *Driver) markSubscribed(c *connection, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if rec, ok := c.tags[name]; ok {
			rec.subscribed = true
		}
	}
}

// pump drains the subscription's publish notifications until teardown.
// Subscription errors and status changes destroy the connection; the next
// request rebuilds it.
func (d *Driver) pump(ctx context.Context, c *connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-c.notify:
			if !ok {
				d.destroyConn(c, ErrHostClose)
				return
			}
			if n.Error != nil {
				logrus.Errorf("OPCUA: subscription error on %s: %v", c.key.endpoint, n.Error)
				d.destroyConn(c, ErrSubscriptionTerminated)
				return
			}
			switch data := n.Value.(type) {
			case *ua.DataChangeNotification:
				d.handleDataChange(c, data)
			case *ua.StatusChangeNotification:
				logrus.Errorf("OPCUA: subscription status change on %s: %v", c.key.endpoint, data.Status)
				d.destroyConn(c, ErrSubscriptionTerminated)
				return
			}
		}
	}
}

// handleDataChange is the change pump: store the raw value on the node record,
// project it through every fan-out tag, and hand the subscribed updates to the
// supervisor handler. Unknown client handles are dropped — the node may have
// been torn down while the notification was in flight.
func (d *Driver) handleDataChange(c *connection, n *ua.DataChangeNotification) {
	var batch map[string]interface{}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	for _, item := range n.MonitoredItems {
		nr := c.handles[item.ClientHandle]
		if nr == nil {
			continue
		}
		var raw interface{}
		if item.Value != nil && item.Value.Value != nil {
			raw = item.Value.Value.Value()
		}
		nr.original = raw
		for _, rec := range nr.tags {
			v := ValueByIndex(rec.typ, rec.arrayIndex, raw)
			rec.value = v
			if rec.subscribed {
				if batch == nil {
					batch = make(map[string]interface{})
				}
				batch[rec.name] = v
			}
		}
	}
	c.mu.Unlock()

	if len(batch) > 0 && d.handlers.Subscribe != nil {
		d.handlers.Subscribe(c.key.deviceUid, batch)
	}
}
