package database

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/loist/loist/internal/logger"
)

// Migration is a versioned schema change. Statements returns the SQL for the
// given dialect; an empty slice makes the migration a recorded no-op there.
type Migration struct {
	Version     string
	Description string
	Statements  func(dialect string) []string
}

// Checksum is the SHA-256 of the dialect's SQL, recorded at apply time so
// later edits to an applied migration are detectable.
func (m *Migration) Checksum(dialect string) string {
	sum := sha256.Sum256([]byte(strings.Join(m.Statements(dialect), ";\n")))
	return hex.EncodeToString(sum[:])
}

// Migrator applies registered migrations in version order.
type Migrator struct {
	db  *gorm.DB
	log interface {
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
	}
}

// NewMigrator prepares the schema_migrations table.
func NewMigrator(db *gorm.DB) (*Migrator, error) {
	if err := db.AutoMigrate(&MigrationRecord{}); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	return &Migrator{db: db, log: logger.Named("database.migrate")}, nil
}

// Pending returns the migrations not yet recorded as applied.
func (mg *Migrator) Pending(migrations []*Migration) ([]*Migration, error) {
	applied, err := mg.appliedVersions()
	if err != nil {
		return nil, err
	}
	var pending []*Migration
	for _, m := range sorted(migrations) {
		if _, ok := applied[m.Version]; !ok {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Apply runs every unapplied migration, each in its own transaction.
// Re-applying an unchanged version is a no-op. A changed checksum on an
// applied version is logged as a warning and never rewritten.
func (mg *Migrator) Apply(migrations []*Migration) error {
	dialect := mg.db.Dialector.Name()
	applied, err := mg.appliedVersions()
	if err != nil {
		return err
	}

	for _, m := range sorted(migrations) {
		checksum := m.Checksum(dialect)
		if record, ok := applied[m.Version]; ok {
			if record.Checksum != checksum {
				mg.log.Warn("applied migration differs from registered SQL",
					"version", m.Version,
					"applied_checksum", record.Checksum,
					"registered_checksum", checksum)
			}
			continue
		}

		start := time.Now()
		err := mg.db.Transaction(func(tx *gorm.DB) error {
			for _, stmt := range m.Statements(dialect) {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("statement failed: %w", err)
				}
			}
			return tx.Create(&MigrationRecord{
				Version:     m.Version,
				Description: m.Description,
				Checksum:    checksum,
				AppliedAt:   time.Now().UTC(),
				DurationMS:  time.Since(start).Milliseconds(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		mg.log.Info("applied migration",
			"version", m.Version,
			"description", m.Description,
			"duration", time.Since(start).Round(time.Millisecond))
	}
	return nil
}

func (mg *Migrator) appliedVersions() (map[string]MigrationRecord, error) {
	var records []MigrationRecord
	if err := mg.db.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load applied migrations: %w", err)
	}
	applied := make(map[string]MigrationRecord, len(records))
	for _, record := range records {
		applied[record.Version] = record
	}
	return applied, nil
}

func sorted(migrations []*Migration) []*Migration {
	out := make([]*Migration, len(migrations))
	copy(out, migrations)
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Migrations is the registered schema history.
func Migrations() []*Migration {
	return []*Migration{
		{
			Version:     "001_create_audio_tracks",
			Description: "audio_tracks table with state and object path indexes",
			Statements:  createAudioTracks,
		},
		{
			Version:     "002_search_vector",
			Description: "full-text search vector and GIN index",
			Statements:  createSearchVector,
		},
	}
}

func createAudioTracks(dialect string) []string {
	timestamp := "TIMESTAMPTZ"
	if dialect == "sqlite" {
		timestamp = "DATETIME"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audio_tracks (
	id TEXT PRIMARY KEY,
	source_url TEXT,
	state TEXT NOT NULL DEFAULT 'PENDING',
	attempts INTEGER NOT NULL DEFAULT 0,
	artist TEXT,
	title TEXT,
	album TEXT,
	genre TEXT,
	year INTEGER,
	duration DOUBLE PRECISION,
	channels INTEGER,
	sample_rate INTEGER,
	bitrate INTEGER,
	bit_depth INTEGER,
	format TEXT,
	bucket TEXT NOT NULL DEFAULT '',
	object_path TEXT NOT NULL DEFAULT '',
	thumbnail_path TEXT,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	content_type TEXT NOT NULL DEFAULT '',
	search_text TEXT NOT NULL DEFAULT '',
	failure_kind TEXT,
	failure_message TEXT,
	quarantined_at %[1]s,
	created_at %[1]s NOT NULL,
	updated_at %[1]s NOT NULL
)`, timestamp),
		`CREATE INDEX IF NOT EXISTS idx_audio_tracks_state ON audio_tracks (state)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_tracks_created_at ON audio_tracks (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_tracks_source_url ON audio_tracks (source_url)`,
		`CREATE INDEX IF NOT EXISTS idx_audio_tracks_quarantined_at ON audio_tracks (quarantined_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_audio_tracks_object ON audio_tracks (bucket, object_path) WHERE object_path <> ''`,
	}
}

// createSearchVector adds the generated tsvector plus GIN index on Postgres.
// SQLite keeps LIKE matching over search_text, so it only gets a B-tree.
func createSearchVector(dialect string) []string {
	if dialect != "postgres" {
		return []string{
			`CREATE INDEX IF NOT EXISTS idx_audio_tracks_search_text ON audio_tracks (search_text)`,
		}
	}
	return []string{
		`ALTER TABLE audio_tracks ADD COLUMN IF NOT EXISTS search_vector tsvector
	GENERATED ALWAYS AS (to_tsvector('english',
		coalesce(artist, '') || ' ' || coalesce(title, '') || ' ' ||
		coalesce(album, '') || ' ' || coalesce(genre, ''))) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_audio_tracks_search_vector ON audio_tracks USING GIN (search_vector)`,
	}
}
