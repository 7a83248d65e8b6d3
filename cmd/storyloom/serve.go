package main

import (
	"context"
	"fmt"
)

// serve runs the HTTP API until ctx is cancelled.
func (c *cli) serve(ctx context.Context, args []string) error {
	fs, configPath := c.flags("serve")
	if err := parse(fs, args); err != nil {
		return err
	}

	k, err := c.startKernel(ctx, *configPath, false)
	if err != nil {
		return err
	}

	done, err := k.StartWebUI()
	if err != nil {
		_ = k.Stop()
		return err //nolint:wrapcheck // already descriptive
	}
	fmt.Fprintf(c.stdout, "storyloom listening on %s\n", k.Config.Server.Addr)

	var serveErr error
	select {
	case <-ctx.Done():
		k.Logger.Info("Received shutdown signal")
	case err, failed := <-done:
		if failed {
			serveErr = fmt.Errorf("server stopped: %w", err)
		}
	}

	if err := k.Stop(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
