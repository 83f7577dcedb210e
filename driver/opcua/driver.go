package opcua

import (
	"context"
	"reflect"
	"sync"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"

	"github.com/orangescada/opcua/config"
)

// Driver is the OPC UA device driver engine. It owns the connection records
// and dispatches supervisor requests against them.
type Driver struct {
	cfg      *config.Config
	handlers Handlers

	mu    sync.Mutex
	conns map[connKey]*connection

	// Browse state is driver-wide: one browse at a time across all devices.
	browseMu    sync.Mutex
	browsing    bool
	browseCount int64
	progressID  int

	dial func(endpoint string, opts ...opcua.Option) (uaClient, error)
}

// New builds a driver over the configuration document.
func New(cfg *config.Config, handlers Handlers) *Driver {
	return &Driver{
		cfg:      cfg,
		handlers: handlers,
		conns:    make(map[connKey]*connection),
		dial:     dialClient,
	}
}

// GetTagsValues returns one entry per requested tag name: the last projected
// value observed for the tag, nil when nothing has been published yet, or
// {errorTxt} for unknown or misconfigured tags. Requested tags are registered
// on the fly, so reads bootstrap the subscription, and are marked subscribed
// so subsequent changes stream to the supervisor.
func (d *Driver) GetTagsValues(deviceUid string, names []string) ([]interface{}, error) {
	c, err := d.ensureConnection(deviceUid, names)
	if err != nil {
		return nil, err
	}
	d.markSubscribed(c, names)

	values := make([]interface{}, len(names))
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, name := range names {
		rec, ok := c.tags[name]
		if !ok {
			if d.cfg.TagByName(deviceUid, name) == nil {
				values[i] = tagError(ErrTagNotFound)
			} else {
				values[i] = tagError(ErrConfigError)
			}
			continue
		}
		values[i] = rec.value
	}
	return values, nil
}

// SetTagsValues writes the given values. All write payloads are assembled
// first; the first per-tag failure fails the whole request before anything is
// sent. The assembled values go out as one write request and every result
// must come back Good.
func (d *Driver) SetTagsValues(deviceUid string, sets []TagSet) error {
	c, err := d.ensureConnection(deviceUid, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return ErrEmptySession
	}

	nodes := make([]*ua.WriteValue, 0, len(sets))
	var firstErr error
	for _, set := range sets {
		wv, werr := d.assembleWrite(c, deviceUid, set)
		if werr != nil {
			if firstErr == nil {
				firstErr = werr
			}
			continue
		}
		nodes = append(nodes, wv)
	}
	if firstErr != nil {
		return firstErr
	}

	resp, err := client.Write(context.Background(), &ua.WriteRequest{NodesToWrite: nodes})
	if err != nil {
		logrus.Errorf("OPCUA: write on %s failed: %v", deviceUid, err)
		return ErrWriteFail
	}
	for _, status := range resp.Results {
		if status != ua.StatusOK {
			logrus.Errorf("OPCUA: write on %s returned %v", deviceUid, status)
			return ErrWriteFail
		}
	}
	return nil
}

// assembleWrite coerces one tag assignment into a write value. Indexed writes
// splice the element into a copy of the node's last observed array and write
// the whole array back.
func (d *Driver) assembleWrite(c *connection, deviceUid string, set TagSet) (*ua.WriteValue, error) {
	t := d.cfg.TagByName(deviceUid, set.Name)
	if t == nil {
		return nil, ErrTagNotFound
	}
	if !t.Write {
		return nil, ErrTagNotWriteable
	}
	rec, derr := d.tagRecordFromConfig(deviceUid, set.Name)
	if derr != "" {
		return nil, derr
	}

	value, err := SetValue(rec.typ, set.Value)
	if err != nil {
		return nil, err
	}

	var variant *ua.Variant
	if rec.arrayIndex >= 0 {
		c.mu.Lock()
		var original interface{}
		if nr, ok := c.nodes[rec.nodeID]; ok {
			original = nr.original
		}
		c.mu.Unlock()
		arr, aerr := spliceArray(original, rec.arrayIndex, value)
		if aerr != nil {
			return nil, aerr
		}
		variant, err = ua.NewVariant(arr)
		if err != nil {
			return nil, ErrWriteFail
		}
	} else {
		variant, err = VariantForNodeType(rec.nodeType, value)
		if err != nil {
			return nil, err
		}
	}

	return &ua.WriteValue{
		NodeID:      rec.parsedID,
		AttributeID: ua.AttributeIDValue,
		Value: &ua.DataValue{
			EncodingMask: ua.DataValueValue,
			Value:        variant,
		},
	}, nil
}

// spliceArray copies the observed array and replaces one element. A write to
// an indexed element requires a previously observed array value.
func spliceArray(original interface{}, index int, value interface{}) (interface{}, error) {
	if original == nil {
		return nil, ErrWriteFail
	}
	rv := reflect.ValueOf(original)
	if rv.Kind() != reflect.Slice || index >= rv.Len() {
		return nil, ErrWriteFail
	}
	out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
	reflect.Copy(out, rv)
	ev := reflect.ValueOf(value)
	elemType := rv.Type().Elem()
	if !ev.IsValid() || !ev.Type().ConvertibleTo(elemType) {
		return nil, ErrWriteFail
	}
	out.Index(index).Set(ev.Convert(elemType))
	return out.Interface(), nil
}

// PingDevice reports whether a live connection exists. When it does not, a
// background connect seeded with the device's first tag is kicked off and
// false is returned immediately.
func (d *Driver) PingDevice(deviceUid string) (bool, error) {
	endpoint := d.cfg.EndpointURL(deviceUid)
	if endpoint == "" {
		return false, ErrDeviceIdNotFound
	}
	key := connKey{endpoint: endpoint, deviceUid: deviceUid}

	d.mu.Lock()
	c, ok := d.conns[key]
	d.mu.Unlock()
	if ok {
		c.mu.Lock()
		connected := c.connected
		c.mu.Unlock()
		if connected {
			return true, nil
		}
		return false, nil
	}

	var seed []string
	if name, ok := d.cfg.FirstTagName(deviceUid); ok {
		seed = []string{name}
	}
	go func() {
		if _, err := d.ensureConnection(deviceUid, seed); err != nil {
			logrus.Warnf("OPCUA: background connect for %s failed: %v", deviceUid, err)
		}
	}()
	return false, nil
}

// RestartDevice destroys the device's connection. The next read or write
// reconnects.
func (d *Driver) RestartDevice(deviceUid string) {
	d.destroyDevice(deviceUid, ErrRestartOnChangeParams)
}

// OptionChanged is the restart-on-change hook: the editing layer calls it
// after changing an option the scheme flags restartOnChange.
func (d *Driver) OptionChanged(deviceUid string) {
	d.destroyDevice(deviceUid, ErrRestartOnChangeParams)
}

func (d *Driver) destroyDevice(deviceUid string, reason Error) {
	d.mu.Lock()
	var victims []*connection
	for key, c := range d.conns {
		if key.deviceUid == deviceUid {
			victims = append(victims, c)
		}
	}
	d.mu.Unlock()
	for _, c := range victims {
		d.destroyConn(c, reason)
	}
}

// Shutdown destroys every connection.
func (d *Driver) Shutdown() {
	d.mu.Lock()
	var all []*connection
	for _, c := range d.conns {
		all = append(all, c)
	}
	d.mu.Unlock()
	for _, c := range all {
		d.destroyConn(c, ErrHostClose)
	}
}

func tagError(kind Error) map[string]interface{} {
	return map[string]interface{}{"errorTxt": string(kind)}
}
