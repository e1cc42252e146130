package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/plinthcms/plinth/internal/cron"
	"github.com/plinthcms/plinth/internal/kernel"
)

// Client sends control commands to a running server
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a new control client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// SetTimeout sets the client timeout for commands
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SendCommand sends a command and waits for its response. A response with
// Success false is returned together with an error carrying its message.
func (c *Client) SendCommand(cmd Command) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to plinth (is `plinth serve` running?): %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if cmd.Timestamp.IsZero() {
		cmd.Timestamp = time.Now()
	}
	if err := json.NewEncoder(conn).Encode(cmd); err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if !resp.Success {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}

func (c *Client) call(cmd Command, out interface{}) error {
	resp, err := c.SendCommand(cmd)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", cmd.Type, err)
	}
	return nil
}

// Status requests the kernel status
func (c *Client) Status() (*kernel.Status, error) {
	var st kernel.Status
	if err := c.call(Command{Type: CmdStatus}, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Reload asks the server to re-read its plugin directories
func (c *Client) Reload() (*kernel.LoadReport, error) {
	var report kernel.LoadReport
	if err := c.call(Command{Type: CmdReload}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Cron runs one scheduler tick in the server
func (c *Client) Cron() (*cron.TickResult, error) {
	var res cron.TickResult
	if err := c.call(Command{Type: CmdCron}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Activate (re)activates a site
func (c *Client) Activate(site string) (*kernel.SiteReport, error) {
	var report kernel.SiteReport
	if err := c.call(Command{Type: CmdActivate, Site: site}, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Deactivate deactivates a site
func (c *Client) Deactivate(site string) error {
	return c.call(Command{Type: CmdDeactivate, Site: site}, nil)
}
