package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrDaemonNotRunning wraps dial failures: no socket, or nobody listening.
var ErrDaemonNotRunning = errors.New("daemon is not running")

const defaultClientTimeout = 30 * time.Second

// Client opens one connection per request. The timeout bounds dial plus the
// full request/response exchange.
type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: defaultClientTimeout}
}

func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

// SendContext is Send with cancellation; ctx cancellation closes the
// connection mid-exchange.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w at %s (start it with: dronebatch daemon): %v", ErrDaemonNotRunning, c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", req.Command, ctx.Err())
		}
		return nil, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return &resp, nil
}

// Call sends command with params and decodes the response data into out.
// A daemon-side failure comes back as *ErrorDetail.
func (c *Client) Call(command string, params, out any) error {
	return c.CallContext(context.Background(), command, params, out)
}

func (c *Client) CallContext(ctx context.Context, command string, params, out any) error {
	req, err := NewRequest(command, params)
	if err != nil {
		return err
	}
	resp, err := c.SendContext(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}
