package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
)

// CLI renders migrator operations for the `fleetguard migrate` command.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a new CLI instance writing to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput sets the output writer for CLI messages
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

// Run dispatches a subcommand: up, down, status, version, info or force <n>.
func (c *CLI) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migrate subcommand (up|down|status|version|info|force)")
	}
	switch args[0] {
	case "up":
		return c.RunUp(ctx)
	case "down":
		return c.RunDown(ctx)
	case "status":
		return c.RunStatus(ctx)
	case "version":
		return c.RunVersion(ctx)
	case "info":
		return c.RunInfo(ctx)
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return c.RunForce(ctx, v)
	default:
		return fmt.Errorf("unknown migrate subcommand %q", args[0])
	}
}

// RunUp applies all pending journal migrations.
func (c *CLI) RunUp(ctx context.Context) error {
	fmt.Fprintln(c.output, "Applying journal migrations...")
	if err := c.migrator.Up(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return c.printVersionLine(ctx, "Migrations complete")
}

// RunDown rolls back the last migration
func (c *CLI) RunDown(ctx context.Context) error {
	fmt.Fprintln(c.output, "Rolling back last journal migration...")
	if err := c.migrator.Down(ctx); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return c.printVersionLine(ctx, "Rollback complete")
}

// RunForce forces the migration version
func (c *CLI) RunForce(ctx context.Context, version int) error {
	if err := c.migrator.Force(ctx, version); err != nil {
		return fmt.Errorf("force failed: %w", err)
	}
	fmt.Fprintf(c.output, "Version forced to %d\n", version)
	return nil
}

// RunVersion shows the current migration version
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 {
		fmt.Fprintln(c.output, "No migrations applied yet.")
		return nil
	}

	fmt.Fprintf(c.output, "Current version: %d", version)
	if dirty {
		fmt.Fprint(c.output, " (dirty)")
	}
	fmt.Fprintln(c.output)
	return nil
}

// RunStatus prints a table of every embedded migration.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.output, "No migrations found.")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		status := "pending"
		switch {
		case s.Dirty:
			status = "dirty"
		case s.Applied:
			status = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, status)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "\nTotal: %d, Applied: %d, Pending: %d\n",
		info.TotalMigrations, info.AppliedMigrations, info.PendingMigrations)
	return nil
}

// RunInfo shows detailed migration information
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}

	fmt.Fprintln(c.output, "Journal schema:")
	fmt.Fprintf(c.output, "  Current Version:    %d\n", info.CurrentVersion)
	fmt.Fprintf(c.output, "  Dirty:              %v\n", info.Dirty)
	fmt.Fprintf(c.output, "  Applied Migrations: %d/%d\n", info.AppliedMigrations, info.TotalMigrations)
	fmt.Fprintf(c.output, "  Pending Migrations: %d\n", info.PendingMigrations)
	return nil
}

func (c *CLI) printVersionLine(ctx context.Context, prefix string) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.output, "%s. Current version: %d\n", prefix, info.CurrentVersion)
	return nil
}
