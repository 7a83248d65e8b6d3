package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"storyloom/pkg/config"
	"storyloom/pkg/persistence"
	"storyloom/pkg/story"
)

// list prints the latest checkpoint of every thread.
func (c *cli) list(ctx context.Context, args []string) error {
	fs, configPath := c.flags("list")
	if err := parse(fs, args); err != nil {
		return err
	}
	k, err := c.startKernel(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = k.Stop() }()

	summaries, err := persistence.ListSummaries(ctx, k.Store)
	if err != nil {
		return fmt.Errorf("list stories: %w", err)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(c.stdout, "No stories yet.")
		return nil
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "THREAD\tTURN\tPHASE\tUPDATED\tTHEME")
	for _, sum := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			sum.ThreadID, sum.Turn, sum.Phase.Label(),
			sum.CreatedAt.Local().Format("2006-01-02 15:04"), sum.Theme)
	}
	return tw.Flush() //nolint:wrapcheck // terminal output
}

// show prints one story's world and full text, or its turn-by-turn history.
func (c *cli) show(ctx context.Context, args []string) error {
	fs, configPath := c.flags("show")
	history := fs.Bool("history", false, "print every checkpoint instead of the latest")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: show takes exactly one thread id", errUsage)
	}
	k, err := c.startKernel(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = k.Stop() }()

	if *history {
		return c.showHistory(ctx, k.Store, fs.Arg(0))
	}

	cp, err := k.Store.Latest(ctx, fs.Arg(0))
	if err != nil {
		return fmt.Errorf("show %s: %w", fs.Arg(0), err)
	}

	w := cp.World
	fmt.Fprintf(c.stdout, "%s\n", story.ExtractTheme(&w))
	fmt.Fprintf(c.stdout, "Turn %d, %s\n", cp.Progress.Turn, cp.Progress.Phase.Label())
	fmt.Fprintf(c.stdout, "Setting: %s\n", story.Deref(w.Setting, "-"))
	fmt.Fprintf(c.stdout, "Goal:    %s\n", story.Deref(w.Goal, "-"))
	fmt.Fprintf(c.stdout, "Tension: %s\n", story.Deref(w.Tension, "resolved"))
	for _, ch := range w.Characters {
		fmt.Fprintf(c.stdout, "  * %s\n", ch.String())
	}
	fmt.Fprintf(c.stdout, "\n%s\n", story.ReconstructContent(cp.Messages))
	return nil
}

func (c *cli) showHistory(ctx context.Context, store persistence.CheckpointStore, threadID string) error {
	history, err := store.History(ctx, threadID)
	if err != nil {
		return fmt.Errorf("show %s: %w", threadID, err)
	}
	for _, cp := range history {
		fmt.Fprintf(c.stdout, "#%d turn %d, %s (%s)\n%s\n\n",
			cp.Sequence, cp.Progress.Turn, cp.Progress.Phase.Label(),
			cp.CreatedAt.Local().Format("2006-01-02 15:04"), story.LastAssistant(cp.Messages))
	}
	return nil
}

// remove deletes every checkpoint of a thread.
func (c *cli) remove(ctx context.Context, args []string) error {
	fs, configPath := c.flags("delete")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: delete takes exactly one thread id", errUsage)
	}
	k, err := c.startKernel(ctx, *configPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = k.Stop() }()

	if err := k.Store.Delete(ctx, fs.Arg(0)); err != nil {
		return fmt.Errorf("delete %s: %w", fs.Arg(0), err)
	}
	fmt.Fprintf(c.stdout, "Deleted %s\n", fs.Arg(0))
	return nil
}

// printConfig prints the effective configuration as YAML.
func (c *cli) printConfig(args []string) error {
	fs, configPath := c.flags("config")
	if err := parse(fs, args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Server.Password = redact(cfg.Server.Password)
	data, err := config.Marshal(cfg)
	if err != nil {
		return err //nolint:wrapcheck // already descriptive
	}
	_, err = c.stdout.Write(data)
	return err //nolint:wrapcheck // terminal output
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}
