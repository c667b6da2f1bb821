package entitydb

import "fmt"

var (
	// ErrCorrupt indicates a WAL or checkpoint file could not be parsed --
	// spec §7 "WALCorruption": recovery cannot proceed automatically.
	ErrCorrupt = fmt.Errorf("entitydb: corrupt record")

	// ErrCheckpointMissing names a missing state.snapshot. Recover does
	// not return it: a directory with no state.snapshot is replayed from
	// genesis.
	ErrCheckpointMissing = fmt.Errorf("entitydb: checkpoint missing")
)
