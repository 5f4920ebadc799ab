package config

import "time"

// SnapshotConfig controls the Snapshot Core's content-addressed blob store
// used to capture workspace file state around tool execution.
type SnapshotConfig struct {
	Enabled bool `yaml:"enabled"`

	// StorePath is the directory blobs and manifests are written under.
	StorePath string `yaml:"store_path"`

	// MaxBlobBytes caps the size of any single captured file. Files larger
	// than this are recorded by metadata only, with no blob content.
	MaxBlobBytes int64 `yaml:"max_blob_bytes"`

	// RetainTurns is how many recent turns' snapshots are kept before
	// pruning unreferenced blobs. 0 disables pruning.
	RetainTurns int `yaml:"retain_turns"`

	// PruneInterval is how often the store scans for unreferenced blobs.
	PruneInterval time.Duration `yaml:"prune_interval"`
}
