package main

import (
	"context"
	"fmt"
	"io"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/pkg/client"
)

type command struct {
	out io.Writer
}

func (c command) apiClient(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

// connect returns a client for a daemon that answers, or an error telling
// the user how to start one.
func (c command) connect(ctx context.Context, f APIFlags) (*client.Client, error) {
	apiClient := c.apiClient(f)
	if !apiClient.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start it first with 'tether serve'", f.APIUrl)
	}
	return apiClient, nil
}

// Start starts a registered app and prints its status.
func (c command) Start(ctx context.Context, f ProcessFlags) error {
	apiClient, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	st, err := apiClient.Start(ctx, f.Name)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

// Stop stops an app and prints its final status.
func (c command) Stop(ctx context.Context, f ProcessFlags) error {
	apiClient, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if err := apiClient.Stop(ctx, client.StopRequest{Name: f.Name, Wait: f.Wait}); err != nil {
		return err
	}
	st, err := apiClient.Status(ctx, f.Name)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

// Restart restarts an app and prints its new status.
func (c command) Restart(ctx context.Context, f ProcessFlags) error {
	apiClient, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	st, err := apiClient.Restart(ctx, f.Name)
	if err != nil {
		return err
	}
	return printJSON(c.out, st)
}

// Status prints one app or every app.
func (c command) Status(ctx context.Context, f ProcessFlags) error {
	apiClient, err := c.connect(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if f.Name != "" {
		st, err := apiClient.Status(ctx, f.Name)
		if err != nil {
			return err
		}
		return printJSON(c.out, st)
	}
	sts, err := apiClient.StatusAll(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.out, sts)
}

// Validate loads path and reports the result.
func (c command) Validate(path string, lenient bool) error {
	eco, err := config.Load(path, config.Options{Lenient: lenient})
	if err != nil {
		return err
	}
	for _, w := range eco.Warnings {
		_, _ = fmt.Fprintf(c.out, "warning: %s\n", w)
	}
	_, err = fmt.Fprintf(c.out, "%s: ok (%d apps)\n", path, len(eco.Apps))
	return err
}

// Dump prints the effective configuration.
func (c command) Dump(path string, lenient bool, format string) error {
	eco, err := config.Load(path, config.Options{Lenient: lenient})
	if err != nil {
		return err
	}
	return config.Dump(c.out, eco, format)
}
