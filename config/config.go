package config

import (
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Option is a single configurable value. The supervisor edits options by
// replacing currentValue; everything else about the option lives in the scheme.
type Option struct {
	CurrentValue interface{} `json:"currentValue"`
}

// OptionScheme describes one option in optionsScheme.devices / optionsScheme.tags.
type OptionScheme struct {
	Name            string      `json:"name"`
	Type            string      `json:"type"`
	Default         interface{} `json:"default,omitempty"`
	RestartOnChange bool        `json:"restartOnChange,omitempty"`
}

// OptionsScheme holds the option descriptions for devices and tags.
type OptionsScheme struct {
	Devices map[string]*OptionScheme `json:"devices"`
	Tags    map[string]*OptionScheme `json:"tags"`
}

// Tag is one supervisor tag of a device.
type Tag struct {
	Name    string             `json:"name"`
	Type    string             `json:"type"`
	Read    bool               `json:"read"`
	Write   bool               `json:"write"`
	Address string             `json:"address,omitempty"`
	Options map[string]*Option `json:"options"`
}

// Device is one configured OPC UA device.
type Device struct {
	Name    string             `json:"name"`
	NodeUid string             `json:"nodeUid,omitempty"`
	Options map[string]*Option `json:"options"`
	Tags    map[string]*Tag    `json:"tags"`
}

// Node is a supervisor-side grouping node.
type Node struct {
	Name    string             `json:"name"`
	Options map[string]*Option `json:"options,omitempty"`
}

// Driver is the driver section: how to reach the supervisor and who we are.
type Driver struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	TLS             bool   `json:"tls"`
	CertificateFile string `json:"certificateFile,omitempty"`
	PrivateKeyFile  string `json:"privateKeyFile,omitempty"`
	UID             string `json:"uid"`
	Password        string `json:"password,omitempty"`
	LogLevel        string `json:"logLevel,omitempty"`
}

// File is the whole configuration document.
type File struct {
	Driver        Driver             `json:"driver"`
	OptionsScheme OptionsScheme      `json:"optionsScheme"`
	Nodes         map[string]*Node   `json:"nodes"`
	Devices       map[string]*Device `json:"devices"`
}

// Config wraps the loaded document with its file path and a lock. All access
// from the driver and the supervisor dispatcher goes through this type.
type Config struct {
	mu   sync.RWMutex
	path string
	file File
}

// Load reads and parses the configuration document.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "CONFIG: read %s", path)
	}
	c := &Config{path: path}
	if err := json.Unmarshal(data, &c.file); err != nil {
		return nil, errors.Wrapf(err, "CONFIG: parse %s", path)
	}
	if c.file.Devices == nil {
		c.file.Devices = make(map[string]*Device)
	}
	if c.file.Nodes == nil {
		c.file.Nodes = make(map[string]*Node)
	}
	logrus.Infof("CONFIG: loaded %s (%d devices)", path, len(c.file.Devices))
	return c, nil
}

// New builds an in-memory config from a document. Used by tests and by hosts
// that manage the file themselves.
func New(file File) *Config {
	if file.Devices == nil {
		file.Devices = make(map[string]*Device)
	}
	if file.Nodes == nil {
		file.Nodes = make(map[string]*Node)
	}
	return &Config{file: file}
}

// Save writes the document back to its file.
func (c *Config) Save() error {
	c.mu.RLock()
	data, err := json.MarshalIndent(&c.file, "", "  ")
	path := c.path
	c.mu.RUnlock()
	if err != nil {
		return errors.Wrap(err, "CONFIG: marshal")
	}
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "CONFIG: write %s", path)
	}
	logrus.Infof("CONFIG: saved %s", path)
	return nil
}

// DriverSection returns a copy of the driver section.
func (c *Config) DriverSection() Driver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.file.Driver
}

// Update runs fn with exclusive access to the document.
func (c *Config) Update(fn func(f *File)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.file)
}

// Read runs fn with shared access to the document.
func (c *Config) Read(fn func(f *File)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn(&c.file)
}

// TagOrder returns the device's tag uids in insertion order. Tag uids are
// decimal integers allocated monotonically, so ascending numeric order is
// insertion order.
func TagOrder(d *Device) []string {
	uids := make([]string, 0, len(d.Tags))
	for uid := range d.Tags {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool {
		a, errA := strconv.Atoi(uids[i])
		b, errB := strconv.Atoi(uids[j])
		if errA != nil || errB != nil {
			return uids[i] < uids[j]
		}
		return a < b
	})
	return uids
}
