package strategy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"solana-kline-engine/internal/domain"
)

// Snapshot is the on-disk record of one triggered detection.
type Snapshot struct {
	Detector string          `json:"detector"`
	Token    string          `json:"token"`
	Slot     int64           `json:"slot"`
	Time     time.Time       `json:"time"`
	Params   any             `json:"params"`
	Metrics  map[string]any  `json:"metrics"`
	KLines   []*domain.KLine `json:"klines"`
	Trades   []*domain.Trade `json:"trades"`
}

// SnapshotWriter writes detection snapshots as indented JSON files into a directory.
type SnapshotWriter struct {
	dir string
	now func() time.Time
}

// NewSnapshotWriter creates a writer for dir. The directory is created on first write.
func NewSnapshotWriter(dir string) *SnapshotWriter {
	return &SnapshotWriter{dir: dir, now: time.Now}
}

// Write stores s and returns the file path.
func (w *SnapshotWriter) Write(s Snapshot) (string, error) {
	if s.Time.IsZero() {
		s.Time = w.now().UTC()
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}

	stamp := strings.NewReplacer(":", "-", ".", "-").Replace(s.Time.Format(time.RFC3339Nano))
	path := filepath.Join(w.dir, fmt.Sprintf("%s-%s-%s.json", s.Detector, s.Token, stamp))

	// Write to a temp file first so readers never see a partial snapshot.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}
