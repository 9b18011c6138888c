package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

// CLI runs the `axon migrate` sub-commands against a Migrator and prints a
// plain-text report of what changed.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI returns a CLI that reports to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects the report, mostly for tests.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run executes one sub-command. steps, goto and force read their number
// from args[0]; the other commands ignore args.
func (c *CLI) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "", "up":
		return c.apply(ctx, "applying pending schema changes", c.migrator.Up)
	case "down":
		return c.apply(ctx, "reverting the newest schema change", c.migrator.Down)
	case "reset", "down-all":
		return c.apply(ctx, "reverting every schema change", c.migrator.DownAll)
	case "status":
		return c.RunStatus(ctx)
	case "info":
		return c.RunInfo(ctx)
	case "version":
		return c.RunVersion(ctx)
	case "steps", "goto", "force":
		n, err := numericOperand(command, args)
		if err != nil {
			return err
		}
		return c.runNumeric(ctx, command, n)
	default:
		return fmt.Errorf("unknown migrate command %q", command)
	}
}

func numericOperand(command string, args []string) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("migrate %s: missing number", command)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("migrate %s: %q is not a number", command, args[0])
	}
	return n, nil
}

func (c *CLI) runNumeric(ctx context.Context, command string, n int) error {
	switch command {
	case "steps":
		what := fmt.Sprintf("applying %d schema change(s)", n)
		if n < 0 {
			what = fmt.Sprintf("reverting %d schema change(s)", -n)
		}
		return c.apply(ctx, what, func(ctx context.Context) error { return c.migrator.Steps(ctx, n) })
	case "goto":
		if n < 0 {
			return fmt.Errorf("migrate goto: version %d is negative", n)
		}
		return c.apply(ctx, fmt.Sprintf("moving schema to version %d", n),
			func(ctx context.Context) error { return c.migrator.Goto(ctx, uint(n)) })
	default:
		fmt.Fprintf(c.output, "marking schema as version %d without running SQL\n", n)
		if err := c.migrator.Force(ctx, n); err != nil {
			return fmt.Errorf("migrate force: %w", err)
		}
		fmt.Fprintf(c.output, "schema version set to %d\n", n)
		return nil
	}
}

// apply announces what, runs change and reports the version reached.
func (c *CLI) apply(ctx context.Context, what string, change func(context.Context) error) error {
	fmt.Fprintf(c.output, "%s...\n", what)
	if err := change(ctx); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "done, schema at version %d\n", info.CurrentVersion)
	return nil
}

// RunVersion prints the applied schema version.
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	switch {
	case version == 0:
		fmt.Fprintln(c.output, "schema is empty, nothing applied")
	case dirty:
		fmt.Fprintf(c.output, "schema at version %d, left dirty by a failed change\n", version)
	default:
		fmt.Fprintf(c.output, "schema at version %d\n", version)
	}
	return nil
}

// RunStatus lists every known schema change with its state, then the
// coordination tables that are still missing.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("read schema status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "no schema changes embedded")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tCHANGE\tSTATE")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\n%d applied, %d pending\n", info.AppliedMigrations, info.PendingMigrations)
	if len(info.MissingTables) > 0 {
		fmt.Fprintf(c.output, "tables not yet created: %s\n", strings.Join(info.MissingTables, ", "))
	}
	return nil
}

// RunInfo prints a key/value summary of the schema.
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("read schema info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "dirty:\t%t\n", info.Dirty)
	fmt.Fprintf(w, "changes:\t%d (%d applied, %d pending)\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	if len(info.MissingTables) > 0 {
		fmt.Fprintf(w, "missing tables:\t%s\n", strings.Join(info.MissingTables, ", "))
	}
	return w.Flush()
}
