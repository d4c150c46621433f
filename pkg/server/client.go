package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client calls a remote executor service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the service at config.Listen. Extra options are appended
// after the defaults.
func Dial(config Config, extra ...grpc.DialOption) (*Client, error) {
	config = config.withDefaults()

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             config.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	opts = append(opts, extra...)

	//nolint:staticcheck // grpc.Dial keeps the connection lazy like NewClient
	conn, err := grpc.Dial(config.Listen, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Upload stores a program image on the server.
func (c *Client) Upload(ctx context.Context, req *UploadRequest) (*UploadResponse, error) {
	out := new(UploadResponse)
	if err := c.invoke(ctx, "Upload", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Run executes a program on the server.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	out := new(RunResponse)
	if err := c.invoke(ctx, "Run", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// History fetches journal records.
func (c *Client) History(ctx context.Context, req *HistoryRequest) (*HistoryResponse, error) {
	out := new(HistoryResponse)
	if err := c.invoke(ctx, "History", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// List fetches the stored programs.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	out := new(ListResponse)
	if err := c.invoke(ctx, "List", &ListRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}
