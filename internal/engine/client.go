package engine

import (
	"context"

	"github.com/user/sleeptrack/internal/command"
	"github.com/user/sleeptrack/internal/companion"
	"github.com/user/sleeptrack/internal/types"
)

// Caller runs fn on the engine's scheduler and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Client exposes Engine operations to goroutines other than the
// scheduler's. Each method runs on the scheduler and waits for the result.
type Client struct {
	e *Engine
	c Caller
}

func NewClient(e *Engine, c Caller) *Client {
	return &Client{e: e, c: c}
}

func (c *Client) Toggle(ctx context.Context) error {
	return c.c.Call(ctx, c.e.Toggle)
}

func (c *Client) Sync(ctx context.Context) error {
	var err error
	if callErr := c.c.Call(ctx, func() { err = c.e.RequestSync() }); callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) Acknowledge(ctx context.Context) (bool, error) {
	var stopped bool
	err := c.c.Call(ctx, func() { stopped = c.e.Acknowledge() })
	return stopped, err
}

func (c *Client) SetWindow(ctx context.Context, w types.WakeWindow) error {
	var err error
	if callErr := c.c.Call(ctx, func() { err = c.e.SetWindow(w) }); callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) StepWindow(ctx context.Context, edge types.Edge, minutes bool, delta int) error {
	var err error
	if callErr := c.c.Call(ctx, func() { err = c.e.StepWindow(edge, minutes, delta) }); callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) SetMode(ctx context.Context, m types.Mode) error {
	return c.c.Call(ctx, func() { c.e.SetMode(m) })
}

func (c *Client) SetAutoMode(ctx context.Context, on bool) error {
	return c.c.Call(ctx, func() { c.e.SetAutoMode(on) })
}

// Dispatch applies a decoded command.
func (c *Client) Dispatch(ctx context.Context, cmd command.Command) error {
	var err error
	if callErr := c.c.Call(ctx, func() { err = c.e.Handle(cmd) }); callErr != nil {
		return callErr
	}
	return err
}

// Deliver decodes and applies a raw inbound message.
func (c *Client) Deliver(ctx context.Context, msg companion.Message) error {
	var err error
	if callErr := c.c.Call(ctx, func() { err = c.e.HandleMessage(msg) }); callErr != nil {
		return callErr
	}
	return err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.c.Call(ctx, func() { st = c.e.Status() })
	return st, err
}
