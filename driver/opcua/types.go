package opcua

import (
	"context"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
)

// Handlers are the supervisor-facing callbacks injected by the host.
type Handlers struct {
	// Subscribe receives projected value changes for subscribed tags.
	Subscribe func(deviceUid string, values map[string]interface{})
	// Progress receives browse progress frames.
	Progress func(progressTxt string, progressID int, done bool)
	// SetConfig is invoked once after a successful browse population so the
	// host can persist the configuration.
	SetConfig func()
}

// TagSet is one tag assignment of a write request.
type TagSet struct {
	Name  string
	Value interface{}
}

// connKey identifies a connection record. A single endpoint may host several
// logical devices, so the device uid is part of the key.
type connKey struct {
	endpoint  string
	deviceUid string
}

// tagRecord is the runtime snapshot of a configured tag.
type tagRecord struct {
	name       string
	typ        string
	write      bool
	nodeID     string
	parsedID   *ua.NodeID
	nodeType   uint32
	arrayIndex int
	subscribed bool
	value      interface{}
}

// nodeRecord is the fan-out index entry for one monitored node. One monitored
// item serves every tag in the list; the tags differ by array index and type.
type nodeRecord struct {
	nodeID   string
	original interface{}
	tags     []*tagRecord
}

// uaClient is the slice of the OPC UA client the engine uses. *opcua.Client
// satisfies it through the gopcuaClient adapter; tests substitute fakes.
type uaClient interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Write(ctx context.Context, req *ua.WriteRequest) (*ua.WriteResponse, error)
	Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error)
	BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error)
	Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaSubscription, error)
}

// uaSubscription is the slice of *opcua.Subscription the engine uses.
type uaSubscription interface {
	Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error)
	Cancel(ctx context.Context) error
}

type gopcuaClient struct {
	*opcua.Client
}

func (c gopcuaClient) Subscribe(ctx context.Context, params *opcua.SubscriptionParameters, notifyCh chan<- *opcua.PublishNotificationData) (uaSubscription, error) {
	sub, err := c.Client.Subscribe(ctx, params, notifyCh)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func dialClient(endpoint string, opts ...opcua.Option) (uaClient, error) {
	c, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	return gopcuaClient{c}, nil
}
