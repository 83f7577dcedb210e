package config

import (
	"strconv"
)

// The view functions resolve device and tag options by uid. They return the
// zero value (and ok=false) for missing devices and missing options; callers
// decide what missing means for them.

// Device returns a device by uid, or nil.
func (c *Config) Device(uid string) *Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Devices[uid]
}

// DeviceOption returns the raw currentValue of a device option.
func (c *Config) DeviceOption(uid, name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.file.Devices[uid]
	if d == nil {
		return nil, false
	}
	o := d.Options[name]
	if o == nil {
		return nil, false
	}
	return o.CurrentValue, true
}

// DeviceOptionString resolves a device option as a string.
func (c *Config) DeviceOptionString(uid, name string) (string, bool) {
	v, ok := c.DeviceOption(uid, name)
	if !ok {
		return "", false
	}
	return asString(v)
}

// DeviceOptionInt resolves a device option as an int.
func (c *Config) DeviceOptionInt(uid, name string) (int, bool) {
	v, ok := c.DeviceOption(uid, name)
	if !ok {
		return 0, false
	}
	return asInt(v)
}

// DeviceOptionBool resolves a device option as a bool.
func (c *Config) DeviceOptionBool(uid, name string) (bool, bool) {
	v, ok := c.DeviceOption(uid, name)
	if !ok {
		return false, false
	}
	return asBool(v)
}

// EndpointURL returns the device's endpoint URL, or "" for an unknown device
// or a missing option.
func (c *Config) EndpointURL(uid string) string {
	s, _ := c.DeviceOptionString(uid, "endpointUrl")
	return s
}

// TagByName finds a device's tag by supervisor tag name.
func (c *Config) TagByName(deviceUid, name string) *Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.file.Devices[deviceUid]
	if d == nil {
		return nil
	}
	for _, t := range d.Tags {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// FirstTagName returns the name of the first tag listed for the device, used
// to seed a status-triggered connection. ok=false when the device has no tags.
func (c *Config) FirstTagName(deviceUid string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.file.Devices[deviceUid]
	if d == nil || len(d.Tags) == 0 {
		return "", false
	}
	uids := TagOrder(d)
	return d.Tags[uids[0]].Name, true
}

// TagOptionValue returns the raw currentValue of a tag option.
func TagOptionValue(t *Tag, name string) (interface{}, bool) {
	if t == nil {
		return nil, false
	}
	o := t.Options[name]
	if o == nil {
		return nil, false
	}
	return o.CurrentValue, true
}

// TagOptionString resolves a tag option as a string.
func TagOptionString(t *Tag, name string) (string, bool) {
	v, ok := TagOptionValue(t, name)
	if !ok {
		return "", false
	}
	return asString(v)
}

// TagOptionInt resolves a tag option as an int.
func TagOptionInt(t *Tag, name string) (int, bool) {
	v, ok := TagOptionValue(t, name)
	if !ok {
		return 0, false
	}
	return asInt(v)
}

// JSON numbers decode as float64 and hand-edited documents carry numbers as
// strings often enough that the accessors accept both.

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(s), true
	case nil:
		return "", false
	}
	return "", false
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return b == "true" || b == "1", true
	case float64:
		return b != 0, true
	}
	return false, false
}
