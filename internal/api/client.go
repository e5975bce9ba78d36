package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// call invokes a unary method whose request is built from fields.
func (c *Client) call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) callEmpty(ctx context.Context, method string, fields map[string]any) error {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("%s request: %w", method, err)
	}
	return c.invoke(ctx, method, in, &emptypb.Empty{})
}

// Snapshot fetches the UI snapshot, limited to key when not empty.
func (c *Client) Snapshot(ctx context.Context, key string) (*structpb.Struct, error) {
	fields := map[string]any{}
	if key != "" {
		fields["key"] = key
	}
	return c.call(ctx, "Snapshot", fields)
}

// Status fetches the daemon status.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Login(ctx context.Context, userID, token string) error {
	return c.callEmpty(ctx, "Login", map[string]any{"user_id": userID, "token": token})
}

func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", &emptypb.Empty{}, &emptypb.Empty{})
}

// SendText queues text and returns its local id.
func (c *Client) SendText(ctx context.Context, key, text string) (string, error) {
	out, err := c.call(ctx, "SendText", map[string]any{"key": key, "text": text})
	if err != nil {
		return "", err
	}
	return stringField(out, "local_id"), nil
}

// RequestHistory fetches the newest page or a delta; it reports whether a
// request was issued.
func (c *Client) RequestHistory(ctx context.Context, key string, force bool, deltaLimit int) (bool, error) {
	out, err := c.call(ctx, "RequestHistory", map[string]any{"key": key, "force": force, "delta_limit": deltaLimit})
	if err != nil {
		return false, err
	}
	return boolField(out, "issued"), nil
}

// RequestMoreHistory fetches the previous page.
func (c *Client) RequestMoreHistory(ctx context.Context, key string) (bool, error) {
	out, err := c.call(ctx, "RequestMoreHistory", map[string]any{"key": key})
	if err != nil {
		return false, err
	}
	return boolField(out, "issued"), nil
}

func (c *Client) SetActive(ctx context.Context, key string) error {
	return c.callEmpty(ctx, "SetActive", map[string]any{"key": key})
}

func (c *Client) SetDraft(ctx context.Context, key, text string) error {
	return c.callEmpty(ctx, "SetDraft", map[string]any{"key": key, "text": text})
}

func (c *Client) TogglePin(ctx context.Context, key string) (bool, error) {
	out, err := c.call(ctx, "TogglePin", map[string]any{"key": key})
	if err != nil {
		return false, err
	}
	return boolField(out, "pinned"), nil
}

func (c *Client) TogglePinnedMessage(ctx context.Context, key string, id int64) (bool, error) {
	out, err := c.call(ctx, "TogglePinnedMessage", map[string]any{"key": key, "id": id})
	if err != nil {
		return false, err
	}
	return boolField(out, "pinned"), nil
}

// WatchEvents streams events until ctx ends. recv returns the next event.
func (c *Client) WatchEvents(ctx context.Context, prefixes ...string) (recv func() (*structpb.Struct, error), err error) {
	list := make([]any, len(prefixes))
	for i, p := range prefixes {
		list[i] = p
	}
	in, err := structpb.NewStruct(map[string]any{"prefixes": list})
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return func() (*structpb.Struct, error) {
		out := &structpb.Struct{}
		if err := stream.RecvMsg(out); err != nil {
			return nil, err
		}
		return out, nil
	}, nil
}
