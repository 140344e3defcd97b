package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote QualityService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

// CheckFocus asks for the focus decision of path. maxFWHM <= 0 uses the
// server's configured threshold.
func (c *Client) CheckFocus(ctx context.Context, path string, maxFWHM float64) (map[string]any, error) {
	req := map[string]any{"path": path}
	if maxFWHM > 0 {
		req["max_fwhm"] = maxFWHM
	}
	return c.call(ctx, "CheckFocus", req)
}

// CheckHeader validates the header of path. Empty fields or types use the
// server's configuration.
func (c *Client) CheckHeader(ctx context.Context, path string, fields []string, types map[string]string) (map[string]any, error) {
	req := map[string]any{"path": path}
	if len(fields) > 0 {
		list := make([]any, len(fields))
		for i, f := range fields {
			list[i] = f
		}
		req["fields"] = list
	}
	if len(types) > 0 {
		m := make(map[string]any, len(types))
		for k, v := range types {
			m[k] = v
		}
		req["types"] = m
	}
	return c.call(ctx, "CheckHeader", req)
}

// Inspect checks that path is a readable, non-empty FITS image.
func (c *Client) Inspect(ctx context.Context, path string) (map[string]any, error) {
	return c.call(ctx, "Inspect", map[string]any{"path": path})
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
