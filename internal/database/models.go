package database

import "time"

// Ingestion states. A track advances through them in order; FAILED is
// reachable from any state.
const (
	StatePending     = "PENDING"
	StateDownloading = "DOWNLOADING"
	StateValidating  = "VALIDATING"
	StateExtracting  = "EXTRACTING"
	StateUploading   = "UPLOADING"
	StateRecording   = "RECORDING"
	StateCompleted   = "COMPLETED"
	StateFailed      = "FAILED"
)

// nextStates is the legal transition set. Any state may move to FAILED.
var nextStates = map[string]string{
	StatePending:     StateDownloading,
	StateDownloading: StateValidating,
	StateValidating:  StateExtracting,
	StateExtracting:  StateUploading,
	StateUploading:   StateRecording,
	StateRecording:   StateCompleted,
}

// ValidTransition reports whether from -> to is a legal state change.
func ValidTransition(from, to string) bool {
	if to == StateFailed {
		return from != StateCompleted
	}
	return nextStates[from] == to
}

// Track is a row in audio_tracks. Descriptive fields are pointers so that
// absent metadata persists as NULL rather than empty strings.
type Track struct {
	ID        string `gorm:"type:uuid;primaryKey" json:"id"`
	SourceURL *string `gorm:"index" json:"source_url"`
	State     string  `gorm:"not null;default:PENDING;index" json:"state"`
	Attempts  int     `gorm:"not null;default:0" json:"attempts"`

	Artist *string `json:"artist"`
	Title  *string `json:"title"`
	Album  *string `json:"album"`
	Genre  *string `json:"genre"`
	Year   *int    `json:"year"`

	Duration   float64 `json:"duration"`
	Channels   int     `json:"channels"`
	SampleRate int     `json:"sample_rate"`
	Bitrate    int     `json:"bitrate"`
	BitDepth   int     `json:"bit_depth"`
	Format     string  `json:"format"`

	Bucket        string  `gorm:"index:idx_audio_tracks_object,unique,where:object_path <> ''" json:"bucket"`
	ObjectPath    string  `gorm:"index:idx_audio_tracks_object,unique,where:object_path <> ''" json:"object_path"`
	ThumbnailPath *string `json:"thumbnail_path"`
	SizeBytes     int64   `json:"size_bytes"`
	ContentType   string  `json:"content_type"`

	// SearchText is a denormalized concatenation of the descriptive fields.
	// Postgres additionally maintains a generated tsvector over the same
	// columns; SQLite falls back to LIKE matching on this column.
	SearchText string `json:"-"`

	FailureKind    *string    `json:"failure_kind,omitempty"`
	FailureMessage *string    `json:"failure_message,omitempty"`
	QuarantinedAt  *time.Time `gorm:"index" json:"quarantined_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of gorm pluralization.
func (Track) TableName() string {
	return "audio_tracks"
}

// MigrationRecord is a row in schema_migrations; immutable after insertion.
type MigrationRecord struct {
	Version     string    `gorm:"primaryKey" json:"version"`
	Description string    `json:"description"`
	Checksum    string    `json:"checksum"`
	AppliedAt   time.Time `json:"applied_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// TableName keeps the conventional migrations table name.
func (MigrationRecord) TableName() string {
	return "schema_migrations"
}
