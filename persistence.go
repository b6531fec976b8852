package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog"
)

// LoadBitmap reads path into the store, zero-filling on a missing or
// short file. Grounded on bitmap.rs's load_from_file: absence or a
// truncated file is not a startup failure, only a warning.
func LoadBitmap(store *Store, path string, logger zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn().Str("file", path).Msg("bitmap snapshot not found, starting zero-filled")
		} else {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read bitmap snapshot, starting zero-filled")
		}
		return
	}
	if uint64(len(data)) < TotalBytes {
		logger.Warn().
			Str("file", path).
			Int("got_bytes", len(data)).
			Uint64("want_bytes", TotalBytes).
			Msg("bitmap snapshot shorter than expected, zero-filling the remainder")
	}
	store.LoadInto(data)
}

// SaveBitmap writes the raw concatenated chunk bytes to path. Failure is
// logged and otherwise swallowed — persistence failures never abort the
// process.
func SaveBitmap(store *Store, path string, logger zerolog.Logger) {
	data := store.Snapshot()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("failed to save bitmap snapshot")
	}
}

// LoadMetrics reads path's persisted counters into m, if present.
func LoadMetrics(m *Metrics, path string, logger zerolog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("file", path).Msg("failed to read metrics snapshot")
		}
		return
	}
	var snap metricsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("failed to parse metrics snapshot, ignoring")
		return
	}
	m.loadSnapshot(snap)
}

// SaveMetrics writes the three persisted counters (never the live client
// count) to path as JSON.
func SaveMetrics(m *Metrics, path string, logger zerolog.Logger) {
	data, err := json.Marshal(m.toSnapshot())
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal metrics snapshot")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logger.Error().Err(err).Str("file", path).Msg("failed to save metrics snapshot")
	}
}
