package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"storyloom/pkg/orchestrator"
	"storyloom/pkg/story"
)

// play runs an interactive story loop on the terminal. Each line of input is
// one turn. The loop ends at end of input or once the story resolves.
func (c *cli) play(ctx context.Context, args []string) error {
	fs, configPath := c.flags("play")
	threadID := fs.String("thread", "", "continue an existing story (default: a new one)")
	theme := fs.String("theme", "", "theme for a new story")
	if err := parse(fs, args); err != nil {
		return err
	}

	k, err := c.startKernel(ctx, *configPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = k.Stop() }()

	if *threadID == "" {
		*threadID = uuid.NewString()
		fmt.Fprintf(c.stdout, "Starting story %s. Say \"the end\" when you are done.\n", *threadID)
	} else if cp, err := k.Orchestrator.Get(ctx, *threadID); err == nil {
		fmt.Fprintf(c.stdout, "%s\n\n", story.ReconstructContent(cp.Messages))
		if cp.Progress.Phase == story.PhaseResolution {
			fmt.Fprintln(c.stdout, "This story has already ended.")
			return nil
		}
	}

	for {
		fmt.Fprint(c.stdout, "> ")
		line, readErr := c.in.ReadString('\n')
		line = strings.TrimSpace(line)
		if line != "" {
			result, err := k.Orchestrator.Turn(ctx, orchestrator.TurnRequest{
				ThreadID: *threadID,
				UserText: line,
				Theme:    *theme,
			})
			if err != nil {
				return fmt.Errorf("turn failed: %w", err)
			}
			fmt.Fprintf(c.stdout, "\n%s\n\n", result.StoryText)
			if result.Phase == story.PhaseResolution {
				fmt.Fprintln(c.stdout, "The End.")
				return nil
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				fmt.Fprintln(c.stdout)
				return nil
			}
			return fmt.Errorf("failed to read input: %w", readErr)
		}
	}
}
