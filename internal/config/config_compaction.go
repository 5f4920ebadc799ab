package config

// CompactionConfig tunes the Context Compression Manager (SPEC_FULL.md §6):
// when compaction triggers, how much history it folds away, and which
// model performs the staged summarization.
type CompactionConfig struct {
	Enabled bool `yaml:"enabled"`

	// TriggerRatio is the fraction of the model's context window that
	// must be in use before compaction runs. Default: 0.8.
	TriggerRatio float64 `yaml:"trigger_ratio"`

	// TargetRatio is the fraction of the context window the conversation
	// should occupy after compaction completes. Default: 0.5.
	TargetRatio float64 `yaml:"target_ratio"`

	// ChunkMessages is how many messages are folded into each summarization
	// chunk before the running summary is updated. Default: 20.
	ChunkMessages int `yaml:"chunk_messages"`

	// MinMessagesKept is the minimum number of the newest messages kept
	// verbatim regardless of ratio, so a compaction boundary never lands
	// mid-turn. Default: 4.
	MinMessagesKept int `yaml:"min_messages_kept"`

	// SummaryModel overrides which model performs chunk summarization.
	// Empty uses the session's active provider/model.
	SummaryModel string `yaml:"summary_model"`
}
