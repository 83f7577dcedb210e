package config

import (
	"strconv"

	"github.com/pkg/errors"
)

// The editing layer is the thin CRUD surface the supervisor drives. It only
// moves values around; the driver reacts to edits through the restart
// reported by the option setters.

// AddDevice inserts a device under a fresh uid and returns the uid.
func (c *Config) AddDevice(name string, options map[string]*Option) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid := nextUid(mapKeys(c.file.Devices))
	if options == nil {
		options = make(map[string]*Option)
	}
	c.file.Devices[uid] = &Device{
		Name:    name,
		Options: options,
		Tags:    make(map[string]*Tag),
	}
	return uid
}

// DeleteDevice removes a device. ok=false when the uid is unknown.
func (c *Config) DeleteDevice(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.file.Devices[uid]; !ok {
		return false
	}
	delete(c.file.Devices, uid)
	return true
}

// AddNode inserts a grouping node and returns its uid.
func (c *Config) AddNode(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uid := nextUid(mapKeys(c.file.Nodes))
	c.file.Nodes[uid] = &Node{Name: name}
	return uid
}

// DeleteNode removes a grouping node.
func (c *Config) DeleteNode(uid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.file.Nodes[uid]; !ok {
		return false
	}
	delete(c.file.Nodes, uid)
	return true
}

// AddTag inserts a tag under the device and returns the tag uid.
func (c *Config) AddTag(deviceUid string, tag *Tag) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.file.Devices[deviceUid]
	if d == nil {
		return "", errors.Errorf("CONFIG: unknown device %s", deviceUid)
	}
	uid := nextUid(mapKeys(d.Tags))
	if tag.Options == nil {
		tag.Options = make(map[string]*Option)
	}
	d.Tags[uid] = tag
	return uid, nil
}

// DeleteTag removes a tag from a device.
func (c *Config) DeleteTag(deviceUid, tagUid string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.file.Devices[deviceUid]
	if d == nil {
		return false
	}
	if _, ok := d.Tags[tagUid]; !ok {
		return false
	}
	delete(d.Tags, tagUid)
	return true
}

// SetDeviceOption replaces a device option value. The returned restart flag is
// true when the options scheme marks the option restartOnChange and the value
// actually changed.
func (c *Config) SetDeviceOption(deviceUid, name string, value interface{}) (restart bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.file.Devices[deviceUid]
	if d == nil {
		return false, errors.Errorf("CONFIG: unknown device %s", deviceUid)
	}
	if d.Options == nil {
		d.Options = make(map[string]*Option)
	}
	changed := setOption(d.Options, name, value)
	scheme := c.file.OptionsScheme.Devices[name]
	return changed && scheme != nil && scheme.RestartOnChange, nil
}

// SetTagOption replaces a tag option value, with the same restart semantics
// as SetDeviceOption against optionsScheme.tags.
func (c *Config) SetTagOption(deviceUid, tagUid, name string, value interface{}) (restart bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.file.Devices[deviceUid]
	if d == nil {
		return false, errors.Errorf("CONFIG: unknown device %s", deviceUid)
	}
	t := d.Tags[tagUid]
	if t == nil {
		return false, errors.Errorf("CONFIG: unknown tag %s on device %s", tagUid, deviceUid)
	}
	if t.Options == nil {
		t.Options = make(map[string]*Option)
	}
	changed := setOption(t.Options, name, value)
	scheme := c.file.OptionsScheme.Tags[name]
	return changed && scheme != nil && scheme.RestartOnChange, nil
}

func setOption(opts map[string]*Option, name string, value interface{}) (changed bool) {
	o := opts[name]
	if o == nil {
		opts[name] = &Option{CurrentValue: value}
		return true
	}
	if o.CurrentValue == value {
		return false
	}
	o.CurrentValue = value
	return true
}

// nextUid allocates max(existing integer uids)+1, starting at 1.
func nextUid(existing []string) string {
	max := 0
	for _, uid := range existing {
		if n, err := strconv.Atoi(uid); err == nil && n > max {
			max = n
		}
	}
	return strconv.Itoa(max + 1)
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
