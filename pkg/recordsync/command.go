package recordsync

// Command is a parsed subcommand. Main switches on its concrete type.
type Command interface {
	Name() string
}

// MigrateCommand creates or updates the schema of the configured store.
type MigrateCommand struct {
}

func (c *MigrateCommand) Name() string {
	return "migrate"
}

// RunCommand serves the HTTP API and the record websockets.
type RunCommand struct {
}

func (c *RunCommand) Name() string {
	return "run"
}

// ReplayCommand rebuilds a record from its patch log and compares the
// result with the stored record.
type ReplayCommand struct {
	// Record is the id of the record to replay.
	Record string
}

func (c *ReplayCommand) Name() string {
	return "replay"
}
