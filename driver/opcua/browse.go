package opcua

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"github.com/orangescada/opcua/config"
)

const progressInterval = 1000 * time.Millisecond

// DiscoveredTag is one variable found by a browse.
type DiscoveredTag struct {
	Name       string
	NodeID     string
	Type       uint32
	ArrayIndex int
}

// UpdateTagList browses the device's address space and merges the discovered
// variables into its tag list. Only one browse runs at a time across all
// devices; a trigger while one is running yields a progress snapshot and
// nothing else. A failed browse leaves the existing tag set intact.
func (d *Driver) UpdateTagList(deviceUid string) error {
	d.browseMu.Lock()
	if d.browsing {
		count := atomic.LoadInt64(&d.browseCount)
		progressID := d.progressID
		d.browseMu.Unlock()
		d.emitProgress(count, progressID, false)
		return nil
	}
	d.browsing = true
	d.progressID++
	progressID := d.progressID
	atomic.StoreInt64(&d.browseCount, 0)
	d.browseMu.Unlock()

	defer func() {
		d.browseMu.Lock()
		d.browsing = false
		d.browseMu.Unlock()
	}()

	done := make(chan struct{})
	var tickerDone sync.WaitGroup
	defer func() {
		close(done)
		tickerDone.Wait()
		d.emitProgress(atomic.LoadInt64(&d.browseCount), progressID, true)
	}()

	tickerDone.Add(1)
	go func() {
		defer tickerDone.Done()
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d.emitProgress(atomic.LoadInt64(&d.browseCount), progressID, false)
			}
		}
	}()

	c, err := d.ensureConnection(deviceUid, nil)
	if err != nil {
		logrus.Errorf("OPCUA: browse of %s aborted: %v", deviceUid, err)
		return err
	}

	discovered, err := d.browseAll(c)
	if err != nil {
		logrus.Errorf("OPCUA: browse of %s failed: %v", deviceUid, err)
		return err
	}
	logrus.Infof("OPCUA: browse of %s discovered %d tags", deviceUid, len(discovered))

	d.populateDevice(deviceUid, discovered)
	return nil
}

func (d *Driver) emitProgress(count int64, progressID int, done bool) {
	if d.handlers.Progress == nil {
		return
	}
	d.handlers.Progress(fmt.Sprintf("Tag browsing in progress: %d", count), progressID, done)
}

// browseAll walks the address space from the root folder. Failures below the
// root are logged and skipped; the walk returns what it has.
func (d *Driver) browseAll(c *connection) ([]DiscoveredTag, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil, ErrEmptySession
	}

	ctx := context.Background()
	var out []DiscoveredTag
	visited := make(map[string]bool)

	var walk func(node *ua.NodeID, path []string) error
	walk = func(node *ua.NodeID, path []string) error {
		refs, err := listReferences(ctx, client, node)
		if err != nil {
			return err
		}
		for _, ref := range refs {
			if ref.NodeID == nil || ref.NodeID.NodeID == nil {
				continue
			}
			child := ref.NodeID.NodeID
			childID := child.String()
			name := childID
			if ref.DisplayName != nil && ref.DisplayName.Text != "" {
				name = ref.DisplayName.Text
			}
			childPath := append(append([]string{}, path...), name)

			if ref.NodeClass == ua.NodeClassVariable || ref.NodeClass == ua.NodeClassObject {
				out = append(out, d.discoverValue(ctx, client, child, childPath)...)
			}

			if !visited[childID] {
				visited[childID] = true
				if err := walk(child, childPath); err != nil {
					logrus.Warnf("OPCUA: browse below %s failed: %v", childID, err)
				}
			}
		}
		return nil
	}

	root := ua.NewNumericNodeID(0, id.RootFolder)
	if err := walk(root, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// discoverValue reads a node's value to decide whether it is a scalar or an
// array and emits one discovered tag per addressable element. Nodes without a
// readable value emit nothing.
func (d *Driver) discoverValue(ctx context.Context, client uaClient, node *ua.NodeID, path []string) []DiscoveredTag {
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{
			{NodeID: node, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	})
	if err != nil {
		logrus.Warnf("OPCUA: read of %s during browse failed: %v", node, err)
		return nil
	}
	if len(resp.Results) == 0 || resp.Results[0].Status != ua.StatusOK || resp.Results[0].Value == nil {
		return nil
	}
	variant := resp.Results[0].Value
	raw := variant.Value()
	if raw == nil {
		return nil
	}

	typeCode := uint32(variant.Type())
	base := strings.Join(path, "/") + "/_value"
	nodeID := node.String()

	if isArrayValue(raw) {
		size := reflect.ValueOf(raw).Len()
		if size < 1 {
			size = 1
		}
		tags := make([]DiscoveredTag, 0, size)
		for i := 0; i < size; i++ {
			tags = append(tags, DiscoveredTag{
				Name:       fmt.Sprintf("%s[%d]", base, i),
				NodeID:     nodeID,
				Type:       typeCode,
				ArrayIndex: i,
			})
			atomic.AddInt64(&d.browseCount, 1)
		}
		return tags
	}

	atomic.AddInt64(&d.browseCount, 1)
	return []DiscoveredTag{{
		Name:       base,
		NodeID:     nodeID,
		Type:       typeCode,
		ArrayIndex: -1,
	}}
}

// isArrayValue reports whether a variant value is a one-dimensional array.
// ByteString scalars decode as []byte and are not arrays.
func isArrayValue(v interface{}) bool {
	if _, ok := v.([]byte); ok {
		return false
	}
	return reflect.ValueOf(v).Kind() == reflect.Slice
}

// listReferences lists the node's forward hierarchical references, following
// continuation points.
func listReferences(ctx context.Context, client uaClient, node *ua.NodeID) ([]*ua.ReferenceDescription, error) {
	resp, err := client.Browse(ctx, &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          node,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	result := resp.Results[0]
	refs := result.References
	for len(result.ContinuationPoint) > 0 {
		next, err := client.BrowseNext(ctx, &ua.BrowseNextRequest{
			ContinuationPoints: [][]byte{result.ContinuationPoint},
		})
		if err != nil || len(next.Results) == 0 {
			break
		}
		result = next.Results[0]
		refs = append(refs, result.References...)
	}
	return refs, nil
}

// populateDevice merges the discovered tags into the device's tag list:
// entries are matched to existing tags by name, new entries get a freshly
// allocated uid, and existing tags that match nothing discovered are removed.
// The browse trigger is reset and the host is asked to persist.
func (d *Driver) populateDevice(deviceUid string, discovered []DiscoveredTag) {
	d.cfg.Update(func(f *config.File) {
		dev := f.Devices[deviceUid]
		if dev == nil {
			return
		}
		if dev.Tags == nil {
			dev.Tags = make(map[string]*config.Tag)
		}

		byName := make(map[string]string, len(dev.Tags))
		maxUid := 0
		for uid, t := range dev.Tags {
			byName[t.Name] = uid
			if n, err := strconv.Atoi(uid); err == nil && n > maxUid {
				maxUid = n
			}
		}

		consumed := make(map[string]bool)
		for _, dt := range discovered {
			uid, found := byName[dt.Name]
			var tag *config.Tag
			if found && !consumed[uid] {
				tag = dev.Tags[uid]
			} else {
				maxUid++
				uid = strconv.Itoa(maxUid)
				tag = &config.Tag{
					Name:    dt.Name,
					Read:    true,
					Write:   true,
					Address: uid,
					Options: make(map[string]*config.Option),
				}
				dev.Tags[uid] = tag
			}
			consumed[uid] = true
			if tag.Options == nil {
				tag.Options = make(map[string]*config.Option)
			}
			setCurrent(tag.Options, "nodeId", dt.NodeID)
			setCurrent(tag.Options, "nodeType", int(dt.Type))
			setCurrent(tag.Options, "arrayIndex", dt.ArrayIndex)
			tag.Type = TagTypeFromDataType(dt.Type)
		}

		for uid := range dev.Tags {
			if !consumed[uid] {
				delete(dev.Tags, uid)
			}
		}

		if dev.Options == nil {
			dev.Options = make(map[string]*config.Option)
		}
		setCurrent(dev.Options, "browseTrigger", "Stop")
	})

	if d.handlers.SetConfig != nil {
		d.handlers.SetConfig()
	}
}

func setCurrent(opts map[string]*config.Option, name string, value interface{}) {
	if o := opts[name]; o != nil {
		o.CurrentValue = value
		return
	}
	opts[name] = &config.Option{CurrentValue: value}
}
