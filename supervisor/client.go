package supervisor

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/orangescada/opcua/config"
	driver "github.com/orangescada/opcua/driver/opcua"
)

// reconnectDelay paces redial attempts against the supervisor socket.
const reconnectDelay = 5 * time.Second

// Client keeps one persistent line-delimited JSON connection to the
// supervisor and dispatches its commands against the driver engine.
type Client struct {
	cfg    *config.Config
	driver *driver.Driver

	wmu  sync.Mutex
	conn net.Conn

	lastTransID   int64
	browseTransID int64

	batcher *Batcher
}

// New builds a supervisor client over the configuration document. Bind must
// be called with the driver before Run.
func New(cfg *config.Config) *Client {
	c := &Client{cfg: cfg}
	c.batcher = newBatcher(c.sendFrame, func() int64 { return atomic.LoadInt64(&c.lastTransID) })
	return c
}

// Bind attaches the driver engine the dispatch table calls into.
func (c *Client) Bind(d *driver.Driver) {
	c.driver = d
}

// QueueValues is the driver's subscribe handler: changed values enter the
// batching window.
func (c *Client) QueueValues(deviceUid string, values map[string]interface{}) {
	c.batcher.Add(deviceUid, values)
}

// SendProgress is the driver's browse progress handler.
func (c *Client) SendProgress(progressTxt string, progressID int, done bool) {
	c.sendFrame(response{
		Cmd:         "updateTagListFromDevice",
		TransID:     atomic.LoadInt64(&c.browseTransID),
		ProgressTxt: progressTxt,
		ProgressID:  progressID,
		Done:        &done,
	})
}

// PersistConfig is the driver's set-config handler, invoked after a browse
// populated the tag list.
func (c *Client) PersistConfig() {
	if err := c.cfg.Save(); err != nil {
		logrus.Errorf("SUPERVISOR: persist config: %v", err)
	}
}

// Run dials the supervisor and serves its command stream, redialing on
// transport loss until the context ends.
func (c *Client) Run(ctx context.Context) {
	go c.batcher.Run()
	defer c.batcher.Stop()

	for {
		if err := c.serve(ctx); err != nil {
			logrus.Errorf("SUPERVISOR: connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) serve(ctx context.Context) error {
	drv := c.cfg.DriverSection()
	addr := net.JoinHostPort(drv.Host, fmt.Sprintf("%d", drv.Port))

	var conn net.Conn
	var err error
	if drv.TLS {
		tlsConf := &tls.Config{}
		if drv.CertificateFile != "" && drv.PrivateKeyFile != "" {
			cert, cerr := tls.LoadX509KeyPair(drv.CertificateFile, drv.PrivateKeyFile)
			if cerr != nil {
				return errors.Wrap(cerr, "SUPERVISOR: load key pair")
			}
			tlsConf.Certificates = []tls.Certificate{cert}
		}
		conn, err = tls.Dial("tcp", addr, tlsConf)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return errors.Wrapf(err, "SUPERVISOR: dial %s", addr)
	}
	defer conn.Close()

	c.wmu.Lock()
	c.conn = conn
	c.wmu.Unlock()
	defer func() {
		c.wmu.Lock()
		c.conn = nil
		c.wmu.Unlock()
	}()

	logrus.Infof("SUPERVISOR: connected to %s", addr)
	c.sendFrame(connectFrame{
		Cmd:      "connect",
		UID:      drv.UID,
		Password: drv.Password,
		Version:  drv.Version,
		TransID:  0,
	})

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			logrus.Warnf("SUPERVISOR: bad frame: %v", err)
			continue
		}
		c.observeTransID(req.TransID)
		go c.dispatch(req)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("SUPERVISOR: stream closed")
}

func (c *Client) observeTransID(id int64) {
	for {
		last := atomic.LoadInt64(&c.lastTransID)
		if id <= last || atomic.CompareAndSwapInt64(&c.lastTransID, last, id) {
			return
		}
	}
}

// dispatch routes one supervisor command. Every command except the connect
// acknowledgement gets a reply echoing cmd and transID; failures carry the
// error token in errorTxt.
func (c *Client) dispatch(req request) {
	switch req.Cmd {
	case "getTagsValues":
		c.handleGetTagsValues(req)
	case "setTagsValues":
		c.handleSetTagsValues(req)
	case "pingDevice":
		c.handlePingDevice(req)
	case "updateTagListFromDevice":
		c.handleBrowse(req)
	case "restartDevice":
		c.handleRestartDevice(req)
	case "setTag":
		c.handleSetTag(req)
	case "setDevice":
		c.handleSetDevice(req)
	case "getConfig":
		c.handleGetConfig(req)
	case "connect":
		// Handshake acknowledgement; nothing to do.
	default:
		logrus.Warnf("SUPERVISOR: unknown command %q", req.Cmd)
		c.replyError(req, "UnknownCommand")
	}
}

func (c *Client) handleGetTagsValues(req request) {
	var names []string
	if err := json.Unmarshal(req.Tags, &names); err != nil {
		c.replyError(req, string(driver.ErrTagNotFound))
		return
	}
	values, err := c.driver.GetTagsValues(req.DeviceUid, names)
	if err != nil {
		c.replyError(req, err.Error())
		return
	}
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID, Values: values})
}

func (c *Client) handleSetTagsValues(req request) {
	var entries []map[string]interface{}
	if err := json.Unmarshal(req.Tags, &entries); err != nil {
		c.replyError(req, string(driver.ErrTagNotFound))
		return
	}
	var sets []driver.TagSet
	for _, entry := range entries {
		for name, value := range entry {
			sets = append(sets, driver.TagSet{Name: name, Value: value})
		}
	}
	if err := c.driver.SetTagsValues(req.DeviceUid, sets); err != nil {
		c.replyError(req, err.Error())
		return
	}
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID})
}

func (c *Client) handlePingDevice(req request) {
	uid := req.UID
	if uid == "" {
		uid = req.DeviceUid
	}
	active, err := c.driver.PingDevice(uid)
	if err != nil {
		c.replyError(req, err.Error())
		return
	}
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID, Active: &active})
}

func (c *Client) handleBrowse(req request) {
	atomic.StoreInt64(&c.browseTransID, req.TransID)
	if err := c.driver.UpdateTagList(req.DeviceUid); err != nil {
		c.replyError(req, err.Error())
		return
	}
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID})
}

func (c *Client) handleRestartDevice(req request) {
	uid := req.UID
	if uid == "" {
		uid = req.DeviceUid
	}
	if uid == "" {
		c.replyError(req, string(driver.ErrDeviceIdNotFound))
		return
	}
	c.driver.RestartDevice(uid)
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID})
}

func (c *Client) handleSetTag(req request) {
	restart := false
	for name, value := range req.Options {
		r, err := c.cfg.SetTagOption(req.DeviceUid, req.TagUid, name, value)
		if err != nil {
			c.replyError(req, string(driver.ErrTagNotFound))
			return
		}
		restart = restart || r
	}
	if restart {
		c.driver.OptionChanged(req.DeviceUid)
	}
	c.PersistConfig()
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID})
}

func (c *Client) handleSetDevice(req request) {
	restart := false
	for name, value := range req.Options {
		r, err := c.cfg.SetDeviceOption(req.DeviceUid, name, value)
		if err != nil {
			c.replyError(req, string(driver.ErrDeviceIdNotFound))
			return
		}
		restart = restart || r
	}
	if restart {
		c.driver.OptionChanged(req.DeviceUid)
	}
	c.PersistConfig()
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID})
}

func (c *Client) handleGetConfig(req request) {
	var doc interface{}
	c.cfg.Read(func(f *config.File) {
		// Round-trip through JSON to detach from the live document.
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		_ = json.Unmarshal(data, &doc)
	})
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID, Config: doc})
}

func (c *Client) replyError(req request, token string) {
	c.sendFrame(response{Cmd: req.Cmd, TransID: req.TransID, ErrorTxt: token})
}

// sendFrame writes one frame as a single JSON line. Frames while disconnected
// are dropped; the supervisor re-requests state after reconnect.
func (c *Client) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		logrus.Errorf("SUPERVISOR: marshal frame: %v", err)
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		logrus.Warnf("SUPERVISOR: write frame: %v", err)
	}
}
