// Package grpc provides a gRPC client for the bucketz decision service.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	bucketz "github.com/matt-riley/bucketz/clients/go"
)

// ServiceName is the fully qualified name of the decisions service.
const ServiceName = "bucketz.v1.Decisions"

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the bucketz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format. Empty means no
	// authorization metadata.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements bucketz.Decider and bucketz.Watcher over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ bucketz.Decider = (*Client)(nil)
	_ bucketz.Watcher = (*Client)(nil)
)

// NewGRPCClient dials the bucketz gRPC server and returns a new client.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("bucketz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	if c.cfg.APIKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

// -- wire helpers ------------------------------------------------------------

func decisionStruct(fields map[string]any, userID string, attributes bucketz.Attributes) (*structpb.Struct, error) {
	fields["user_id"] = userID
	if len(attributes) > 0 {
		fields["attributes"] = map[string]any(attributes)
	}
	return toStruct(fields)
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("bucketz: encode request: %w", err)
	}
	return s, nil
}

// fromStruct decodes a response Struct into out through its JSON form, so
// the same JSON tags serve both transports.
func fromStruct(s *structpb.Struct, out any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("bucketz: decode response: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, req *structpb.Struct, out any) error {
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), "/"+ServiceName+"/"+method, req, resp); err != nil {
		return fmt.Errorf("bucketz: %s: %w", method, err)
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

// -- Decider -----------------------------------------------------------------

func (c *Client) Activate(ctx context.Context, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	return c.variation(ctx, "Activate", experimentKey, userID, attributes)
}

func (c *Client) GetVariation(ctx context.Context, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	return c.variation(ctx, "GetVariation", experimentKey, userID, attributes)
}

func (c *Client) variation(ctx context.Context, method, experimentKey, userID string, attributes bucketz.Attributes) (bucketz.Variation, error) {
	req, err := decisionStruct(map[string]any{"experiment_key": experimentKey}, userID, attributes)
	if err != nil {
		return bucketz.Variation{}, err
	}
	var out bucketz.Variation
	if err := c.invoke(ctx, method, req, &out); err != nil {
		return bucketz.Variation{}, err
	}
	return out, nil
}

func (c *Client) IsFeatureEnabled(ctx context.Context, featureKey, userID string, attributes bucketz.Attributes) (bool, error) {
	req, err := decisionStruct(map[string]any{"feature_key": featureKey}, userID, attributes)
	if err != nil {
		return false, err
	}
	var out struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.invoke(ctx, "IsFeatureEnabled", req, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

func (c *Client) EnabledFeatures(ctx context.Context, userID string, attributes bucketz.Attributes) ([]string, error) {
	req, err := decisionStruct(map[string]any{}, userID, attributes)
	if err != nil {
		return nil, err
	}
	var out struct {
		Features []string `json:"features"`
	}
	if err := c.invoke(ctx, "EnabledFeatures", req, &out); err != nil {
		return nil, err
	}
	return out.Features, nil
}

func (c *Client) FeatureVariable(ctx context.Context, featureKey, variableKey, userID string, attributes bucketz.Attributes) (bucketz.Variable, error) {
	req, err := decisionStruct(map[string]any{
		"feature_key":  featureKey,
		"variable_key": variableKey,
	}, userID, attributes)
	if err != nil {
		return bucketz.Variable{}, err
	}
	var out bucketz.Variable
	if err := c.invoke(ctx, "FeatureVariable", req, &out); err != nil {
		return bucketz.Variable{}, err
	}
	return out, nil
}

func (c *Client) Track(ctx context.Context, eventKey, userID string, attributes bucketz.Attributes, tags map[string]any) error {
	fields := map[string]any{"event_key": eventKey}
	if len(tags) > 0 {
		fields["tags"] = tags
	}
	req, err := decisionStruct(fields, userID, attributes)
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Track", req, nil)
}

func (c *Client) Config(ctx context.Context) (bucketz.ConfigSummary, error) {
	var out bucketz.ConfigSummary
	if err := c.invoke(ctx, "GetConfig", &structpb.Struct{}, &out); err != nil {
		return bucketz.ConfigSummary{}, err
	}
	return out, nil
}

// -- Watcher -----------------------------------------------------------------

var watchConfigDesc = &grpc.StreamDesc{StreamName: "WatchConfig", ServerStreams: true}

// Watch opens the WatchConfig stream and emits ConfigUpdates on the returned
// channel. The channel is closed when ctx is cancelled or the stream ends.
func (c *Client) Watch(ctx context.Context) (<-chan bucketz.ConfigUpdate, error) {
	stream, err := c.conn.NewStream(c.authCtx(ctx), watchConfigDesc, "/"+ServiceName+"/WatchConfig")
	if err != nil {
		return nil, fmt.Errorf("bucketz: WatchConfig: %w", err)
	}
	if err := stream.SendMsg(&structpb.Struct{}); err != nil {
		return nil, fmt.Errorf("bucketz: WatchConfig: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("bucketz: WatchConfig: %w", err)
	}

	ch := make(chan bucketz.ConfigUpdate, 16)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			var update bucketz.ConfigUpdate
			if err := fromStruct(msg, &update); err != nil || update.Revision == "" {
				continue
			}
			select {
			case ch <- update:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}
