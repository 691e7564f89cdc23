// Package journalclient is a gRPC client for the external journal service:
// the append-only log storage engine backing message persistence in
// production topologies (see proto/journal.proto). pkg/journal reaches it
// through storage.RemoteJournalStore, an alternative to the local-disk and
// S3 storage.SegmentStore implementations, used when the cluster is
// configured to delegate segment storage to a standalone journal tier.
package journalclient

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

// DefaultTimeout is the per-call deadline applied to every journal RPC.
const DefaultTimeout = 10 * time.Second

// Client wraps a gRPC connection to one journal service node.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	retry   gax.CallOption
}

// Dial connects to a journal service node at target ("host:port").
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("journalclient: dial %s: %w", target, err)
	}
	return &Client{
		conn:    conn,
		timeout: DefaultTimeout,
		retry: gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes([]codes.Code{codes.Unavailable, codes.DeadlineExceeded}, gax.Backoff{
				Initial:    200 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			})
		}),
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

const servicePath = "/journal.JournalService/"

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqStruct, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("journalclient: encode request: %w", err)
	}

	var resp structpb.Struct
	err = gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		return c.conn.Invoke(ctx, servicePath+method, reqStruct, &resp)
	}, c.retry)
	if err != nil {
		return nil, fmt.Errorf("journalclient: %s: %w", method, err)
	}
	return resp.AsMap(), nil
}

func (c *Client) CreateShard(ctx context.Context, shardName string) error {
	_, err := c.call(ctx, "CreateShard", map[string]any{"shard_name": shardName})
	return err
}

func (c *Client) DeleteShard(ctx context.Context, shardName string) error {
	_, err := c.call(ctx, "DeleteShard", map[string]any{"shard_name": shardName})
	return err
}

func (c *Client) CreateSegment(ctx context.Context, shardName string) (segmentID string, err error) {
	resp, err := c.call(ctx, "CreateSegment", map[string]any{"shard_name": shardName})
	if err != nil {
		return "", err
	}
	id, _ := resp["segment_id"].(string)
	return id, nil
}

func (c *Client) DeleteSegment(ctx context.Context, shardName, segmentID string) error {
	_, err := c.call(ctx, "DeleteSegment", map[string]any{"shard_name": shardName, "segment_id": segmentID})
	return err
}

// Record is one message appended to a shard.
type Record struct {
	TopicID   string
	Timestamp int64
	Payload   []byte
}

// AppendRecords appends records to shardName and returns one offset per
// record, in the same order.
func (c *Client) AppendRecords(ctx context.Context, shardName string, records []Record) (offsets []uint64, err error) {
	encoded := make([]any, len(records))
	for i, r := range records {
		encoded[i] = map[string]any{
			"topic_id":  r.TopicID,
			"timestamp": r.Timestamp,
			"payload":   r.Payload,
		}
	}
	resp, err := c.call(ctx, "AppendRecords", map[string]any{"shard_name": shardName, "records": encoded})
	if err != nil {
		return nil, err
	}
	raw, _ := resp["offsets"].([]any)
	offsets = make([]uint64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			offsets = append(offsets, uint64(f))
		}
	}
	return offsets, nil
}

// ReadRecords reads up to max records from shardName starting at startOffset.
func (c *Client) ReadRecords(ctx context.Context, shardName string, startOffset uint64, max int) ([]Record, error) {
	resp, err := c.call(ctx, "ReadRecords", map[string]any{
		"shard_name":   shardName,
		"start_offset": startOffset,
		"max":          max,
	})
	if err != nil {
		return nil, err
	}
	raw, _ := resp["records"].([]any)
	return decodeRecords(raw), nil
}

// decodeRecords converts the []any of map[string]any values a
// structpb.Struct.AsMap unwraps into typed Records, skipping any entry that
// doesn't have the expected shape.
func decodeRecords(raw []any) []Record {
	out := make([]Record, 0, len(raw))
	for _, v := range raw {
		m, ok := v.(map[string]any)
		if !ok {
			continue
		}
		rec := Record{}
		rec.TopicID, _ = m["topic_id"].(string)
		if ts, ok := m["timestamp"].(float64); ok {
			rec.Timestamp = int64(ts)
		}
		if payload, ok := m["payload"].(string); ok {
			rec.Payload = []byte(payload)
		}
		out = append(out, rec)
	}
	return out
}
