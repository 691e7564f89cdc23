// Package placementclient is a gRPC client for the external placement
// center: the replicated control plane that stores cluster metadata (nodes,
// topics, sessions, users, ACLs). See proto/placement.proto for the service
// definition consumed here.
//
// Every RPC carries a google.protobuf.Struct rather than a dedicated
// message type, so this client doesn't need a second, independently
// versioned copy of the placement center's schema compiled into the broker;
// call builds the struct from a plain Go map via structpb.NewStruct.
package placementclient

import (
	"context"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultTimeout is the per-call deadline applied to metadata-store RPCs.
const DefaultTimeout = 3 * time.Second

// Client wraps a gRPC connection to one placement center node.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   gax.CallOption
}

// Dial connects to a placement center node at target ("host:port"). TLS is
// the caller's responsibility via opts; Dial defaults to insecure transport
// credentials only when opts doesn't supply any.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("placementclient: dial %s: %w", target, err)
	}
	return &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        1 * time.Second,
				Multiplier: 2,
			})
		}),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

const servicePath = "/placement.PlacementCenterService/"

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqStruct, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("placementclient: encode request: %w", err)
	}

	var resp structpb.Struct
	err = gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		return c.conn.Invoke(ctx, servicePath+method, reqStruct, &resp)
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("placementclient: %s: %w", method, err)
	}
	return resp.AsMap(), nil
}

func (c *Client) RegisterNode(ctx context.Context, nodeID, address string) error {
	_, err := c.call(ctx, "RegisterNode", map[string]any{"node_id": nodeID, "address": address})
	return err
}

func (c *Client) UnregisterNode(ctx context.Context, nodeID string) error {
	_, err := c.call(ctx, "UnregisterNode", map[string]any{"node_id": nodeID})
	return err
}

func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := c.call(ctx, "Heartbeat", map[string]any{"node_id": nodeID})
	return err
}

// CreateTopic registers topicName, returning the topic_id the placement
// center assigned.
func (c *Client) CreateTopic(ctx context.Context, clusterName, topicName string) (topicID string, err error) {
	resp, err := c.call(ctx, "CreateTopic", map[string]any{"cluster_name": clusterName, "topic_name": topicName})
	if err != nil {
		return "", err
	}
	id, _ := resp["topic_id"].(string)
	return id, nil
}

func (c *Client) ListTopic(ctx context.Context, clusterName string) ([]string, error) {
	resp, err := c.call(ctx, "ListTopic", map[string]any{"cluster_name": clusterName})
	if err != nil {
		return nil, err
	}
	return stringList(resp["topic_names"]), nil
}

func (c *Client) DeleteTopic(ctx context.Context, clusterName, topicName string) error {
	_, err := c.call(ctx, "DeleteTopic", map[string]any{"cluster_name": clusterName, "topic_name": topicName})
	return err
}

// SetTopicRetainMessage pushes a retained payload (or clears it, if payload
// is empty) to the placement center's durable topic record.
func (c *Client) SetTopicRetainMessage(ctx context.Context, clusterName, topicName string, payload []byte, expiryEpoch uint64) error {
	_, err := c.call(ctx, "SetTopicRetainMessage", map[string]any{
		"cluster_name": clusterName,
		"topic_name":   topicName,
		"payload":      payload,
		"expiry_epoch": expiryEpoch,
	})
	return err
}

func (c *Client) CreateSession(ctx context.Context, clusterName, clientID string, sessionExpiryInterval uint32) error {
	_, err := c.call(ctx, "CreateSession", map[string]any{
		"cluster_name":            clusterName,
		"client_id":               clientID,
		"session_expiry_interval": sessionExpiryInterval,
	})
	return err
}

func (c *Client) ListSession(ctx context.Context, clusterName string) ([]string, error) {
	resp, err := c.call(ctx, "ListSession", map[string]any{"cluster_name": clusterName})
	if err != nil {
		return nil, err
	}
	return stringList(resp["client_ids"]), nil
}

func (c *Client) CreateUser(ctx context.Context, clusterName, username, passwordHash string) error {
	_, err := c.call(ctx, "CreateUser", map[string]any{
		"cluster_name":  clusterName,
		"username":      username,
		"password_hash": passwordHash,
	})
	return err
}

func (c *Client) DeleteUser(ctx context.Context, clusterName, username string) error {
	_, err := c.call(ctx, "DeleteUser", map[string]any{"cluster_name": clusterName, "username": username})
	return err
}

func (c *Client) ListUser(ctx context.Context, clusterName string) ([]string, error) {
	resp, err := c.call(ctx, "ListUser", map[string]any{"cluster_name": clusterName})
	if err != nil {
		return nil, err
	}
	return stringList(resp["usernames"]), nil
}

func (c *Client) CreateAcl(ctx context.Context, clusterName, username, topicFilter, permission string) error {
	_, err := c.call(ctx, "CreateAcl", map[string]any{
		"cluster_name": clusterName,
		"username":     username,
		"topic_filter": topicFilter,
		"permission":   permission,
	})
	return err
}

func (c *Client) DeleteAcl(ctx context.Context, clusterName, username, topicFilter string) error {
	_, err := c.call(ctx, "DeleteAcl", map[string]any{
		"cluster_name": clusterName,
		"username":     username,
		"topic_filter": topicFilter,
	})
	return err
}

func (c *Client) ListAcl(ctx context.Context, clusterName, username string) ([]string, error) {
	resp, err := c.call(ctx, "ListAcl", map[string]any{"cluster_name": clusterName, "username": username})
	if err != nil {
		return nil, err
	}
	return stringList(resp["topic_filters"]), nil
}

func stringList(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
