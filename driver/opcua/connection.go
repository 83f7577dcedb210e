package opcua

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"github.com/sirupsen/logrus"
)

// Subscription parameters for every device connection.
const (
	publishingInterval = 1000 * time.Millisecond
	lifetimeCount      = 100
	maxKeepAliveCount  = 10
	maxNotifications   = 10
	subPriority        = 10
)

const initialReconnectDelay = 2000 * time.Millisecond

// connection is one live record of the engine's connection map. The record is
// created before the transport is up; waiters block on ready and then check
// failure.
type connection struct {
	key connKey

	mu        sync.Mutex
	client    uaClient
	sub       uaSubscription
	notify    chan *opcua.PublishNotificationData
	connected bool
	closed    bool
	failure   Error

	tags       map[string]*tagRecord
	nodes      map[string]*nodeRecord
	handles    map[uint32]*nodeRecord
	nextHandle uint32

	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

func (c *connection) signalReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// ensureConnection returns the live connection for the device, opening client,
// session and subscription when no record exists. tagNames are registered as
// monitored items once the subscription is up. Concurrent callers share one
// connect attempt; on failure all of them observe the same error kind.
func (d *Driver) ensureConnection(deviceUid string, tagNames []string) (*connection, error) {
	endpoint := d.cfg.EndpointURL(deviceUid)
	if endpoint == "" {
		return nil, ErrDeviceIdNotFound
	}
	key := connKey{endpoint: endpoint, deviceUid: deviceUid}

	d.mu.Lock()
	if c, ok := d.conns[key]; ok {
		d.mu.Unlock()
		<-c.ready
		c.mu.Lock()
		closed, failure := c.closed, c.failure
		c.mu.Unlock()
		if closed {
			if failure == "" {
				failure = ErrHostClose
			}
			return nil, failure
		}
		d.registerTags(c, tagNames)
		return c, nil
	}
	c := &connection{
		key:     key,
		tags:    make(map[string]*tagRecord),
		nodes:   make(map[string]*nodeRecord),
		handles: make(map[uint32]*nodeRecord),
		ready:   make(chan struct{}),
	}
	d.conns[key] = c
	d.mu.Unlock()

	if err := d.connect(c, deviceUid); err != nil {
		d.destroyConn(c, ErrOpcReject)
		c.mu.Lock()
		failure := c.failure
		c.mu.Unlock()
		return nil, failure
	}
	d.registerTags(c, tagNames)
	return c, nil
}

// connect walks the record through Connecting → Sessioned → Subscribed.
func (d *Driver) connect(c *connection, deviceUid string) error {
	opts, timeout := d.clientOptions(deviceUid)

	logrus.Infof("OPCUA: connecting to %s (device %s)", c.key.endpoint, deviceUid)

	client, err := d.dial(c.key.endpoint, opts...)
	if err != nil {
		logrus.Errorf("OPCUA: create client for %s failed: %v", c.key.endpoint, err)
		return err
	}

	ctx, cancelConnect := context.WithTimeout(context.Background(), timeout)
	defer cancelConnect()
	if err := client.Connect(ctx); err != nil {
		logrus.Errorf("OPCUA: connect to %s failed: %v", c.key.endpoint, err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close(context.Background())
		return ErrHostClose
	}
	c.client = client
	c.notify = make(chan *opcua.PublishNotificationData, 16)
	notify := c.notify
	c.mu.Unlock()

	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   publishingInterval,
		LifetimeCount:              lifetimeCount,
		MaxKeepAliveCount:          maxKeepAliveCount,
		MaxNotificationsPerPublish: maxNotifications,
		Priority:                   subPriority,
	}, notify)
	if err != nil {
		logrus.Errorf("OPCUA: create subscription for %s failed: %v", c.key.endpoint, err)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		_ = sub.Cancel(context.Background())
		return ErrHostClose
	}
	c.sub = sub
	c.cancel = cancel
	c.connected = true
	c.mu.Unlock()

	go d.pump(pumpCtx, c)

	c.signalReady()
	logrus.Infof("OPCUA: device %s subscribed on %s", deviceUid, c.key.endpoint)
	return nil
}

// destroyConn tears a record down: close the subscription, then disconnect the
// client (both failures are swallowed), then drop the record from the map.
// Pending waiters observe the reason.
func (d *Driver) destroyConn(c *connection, reason Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.failure = reason
	sub, client, cancel := c.sub, c.client, c.cancel
	c.sub, c.client, c.cancel = nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	ctx := context.Background()
	if sub != nil {
		if err := sub.Cancel(ctx); err != nil {
			logrus.Warnf("OPCUA: close subscription for %s: %v", c.key.endpoint, err)
		}
	}
	if client != nil {
		if err := client.Close(ctx); err != nil {
			logrus.Warnf("OPCUA: disconnect %s: %v", c.key.endpoint, err)
		}
	}

	d.mu.Lock()
	if d.conns[c.key] == c {
		delete(d.conns, c.key)
	}
	d.mu.Unlock()

	c.signalReady()
	logrus.Infof("OPCUA: connection %s/%s destroyed (%s)", c.key.endpoint, c.key.deviceUid, reason)
}

// clientOptions maps the device's configured security options onto gopcua
// client options. The connect deadline is max(timeout, 10s); the engine never
// auto-reconnects — the next request rebuilds the record.
func (d *Driver) clientOptions(deviceUid string) ([]opcua.Option, time.Duration) {
	timeout := 10000 * time.Millisecond
	if t, ok := d.cfg.DeviceOptionInt(deviceUid, "timeout"); ok && time.Duration(t)*time.Millisecond > timeout {
		timeout = time.Duration(t) * time.Millisecond
	}

	mode, _ := d.cfg.DeviceOptionString(deviceUid, "securityMode")
	policy, _ := d.cfg.DeviceOptionString(deviceUid, "securityPolicy")

	opts := []opcua.Option{
		opcua.SecurityMode(securityMode(mode)),
		opcua.SecurityPolicy(securityPolicyURI(policy)),
		opcua.AutoReconnect(false),
		opcua.ReconnectInterval(initialReconnectDelay),
		opcua.RequestTimeout(timeout),
	}

	if securityMode(mode) != ua.MessageSecurityModeNone {
		certFile, _ := d.cfg.DeviceOptionString(deviceUid, "certificateFile")
		keyFile, _ := d.cfg.DeviceOptionString(deviceUid, "privateKeyFile")
		if certFile != "" && keyFile != "" {
			opts = append(opts, opcua.CertificateFile(certFile), opcua.PrivateKeyFile(keyFile))
		} else {
			logrus.Warnf("OPCUA: device %s requires security but has no certificate/key configured", deviceUid)
		}
	}

	anonymous, ok := d.cfg.DeviceOptionBool(deviceUid, "anonymous")
	if ok && !anonymous {
		user, _ := d.cfg.DeviceOptionString(deviceUid, "userName")
		pass, _ := d.cfg.DeviceOptionString(deviceUid, "password")
		opts = append(opts, opcua.AuthUsername(user, pass))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}

	return opts, timeout
}

func securityMode(mode string) ua.MessageSecurityMode {
	switch mode {
	case "Sign":
		return ua.MessageSecurityModeSign
	case "SignAndEncrypt":
		return ua.MessageSecurityModeSignAndEncrypt
	default:
		return ua.MessageSecurityModeNone
	}
}

const securityPolicyPrefix = "http://opcfoundation.org/UA/SecurityPolicy#"

func securityPolicyURI(policy string) string {
	switch policy {
	case "", "None":
		return ua.SecurityPolicyURINone
	case "Basic128", "Basic128Rsa15", "Basic192", "Basic192Rsa15",
		"Basic256", "Basic256Rsa15", "Basic256Sha256",
		"Aes128_Sha256_RsaOaep", "Aes256_Sha256_RsaPss":
		return securityPolicyPrefix + policy
	}
	return ua.SecurityPolicyURINone
}
