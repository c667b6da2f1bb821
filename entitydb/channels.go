package entitydb

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// WriteChannelSnapshot writes a single channel's reference-JSON encoding to
// channels/<channel_id>.json via the same write-then-atomic-rename sequence
// as the full state checkpoint (spec §6 "Persisted state layout"). Callers
// pass the bytes already produced by consensus.EncodeChannelSnapshot; this
// package only owns where they land on disk.
func (w *WAL) WriteChannelSnapshot(channelID uint64, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := strconv.FormatUint(channelID, 10) + ".json"
	path := filepath.Join(w.dir, channelsDirName, name)
	if err := writeAtomic(path, data); err != nil {
		return fmt.Errorf("entitydb: writing channel snapshot %d: %w", channelID, err)
	}
	return nil
}
