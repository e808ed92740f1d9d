package recordsync

import (
	"context"
	"fmt"
)

// Main parses args, builds the application and runs the selected command.
func Main(ctx context.Context, args []string) error {
	cmd, config, err := Parse(args)
	if err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}

	app, err := New(config)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	defer app.Close()

	switch c := cmd.(type) {
	case *MigrateCommand:
		if err := app.Migrate(ctx, c); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case *RunCommand:
		if err := app.Run(ctx, c); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case *ReplayCommand:
		report, err := app.Replay(ctx, c)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		if !report.Match {
			return fmt.Errorf("record %s at version %d, log replays to version %d: %w",
				report.Record, report.StoredVersion, report.ReplayedVersion, ErrReplayMismatch)
		}
	default:
		return fmt.Errorf("unknown command type: %T", cmd)
	}

	return nil
}
