package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// Every connection to :memory: is a distinct database; pin to one.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func migratedTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := openTestDB(t)
	migrator, err := NewMigrator(db)
	require.NoError(t, err)
	require.NoError(t, migrator.Apply(Migrations()))
	return db
}

func TestMigrationsApplyAndRecord(t *testing.T) {
	db := migratedTestDB(t)

	var records []MigrationRecord
	require.NoError(t, db.Order("version").Find(&records).Error)
	require.Len(t, records, 2)
	assert.Equal(t, "001_create_audio_tracks", records[0].Version)
	assert.Equal(t, "002_search_vector", records[1].Version)
	for _, record := range records {
		assert.NotEmpty(t, record.Checksum)
		assert.False(t, record.AppliedAt.IsZero())
	}
}

func TestMigrationsReapplyIsNoOp(t *testing.T) {
	db := migratedTestDB(t)

	migrator, err := NewMigrator(db)
	require.NoError(t, err)
	require.NoError(t, migrator.Apply(Migrations()))

	var count int64
	require.NoError(t, db.Model(&MigrationRecord{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestMigrationsChangedChecksumNeverRewrites(t *testing.T) {
	db := migratedTestDB(t)
	migrator, err := NewMigrator(db)
	require.NoError(t, err)

	var before MigrationRecord
	require.NoError(t, db.First(&before, "version = ?", "001_create_audio_tracks").Error)

	edited := []*Migration{{
		Version:     "001_create_audio_tracks",
		Description: "edited after the fact",
		Statements: func(string) []string {
			return []string{`DROP TABLE audio_tracks`}
		},
	}}
	require.NoError(t, migrator.Apply(edited))

	// The record is untouched and the destructive statement never ran.
	var after MigrationRecord
	require.NoError(t, db.First(&after, "version = ?", "001_create_audio_tracks").Error)
	assert.Equal(t, before.Checksum, after.Checksum)
	assert.True(t, db.Migrator().HasTable("audio_tracks"))
}

func TestMigratedSchemaAcceptsTrackRows(t *testing.T) {
	db := migratedTestDB(t)

	artist := "Boards of Canada"
	title := "Roygbiv"
	track := &Track{
		ID:         "0a8ab44e-6c3f-4f52-bd15-28f2b02da7d9",
		State:      StateCompleted,
		Artist:     &artist,
		Title:      &title,
		Duration:   148.2,
		Channels:   2,
		SampleRate: 44100,
		Bitrate:    320,
		Format:     "MP3",
		Bucket:     "loist-audio",
		ObjectPath: "audio/0a8ab44e/0a8ab44e.mp3",
		SearchText: "boards of canada roygbiv",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, db.Create(track).Error)

	var got Track
	require.NoError(t, db.First(&got, "id = ?", track.ID).Error)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.Artist)
	assert.Equal(t, artist, *got.Artist)
	assert.Nil(t, got.Album)
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(StatePending, StateDownloading))
	assert.True(t, ValidTransition(StateRecording, StateCompleted))
	assert.True(t, ValidTransition(StateDownloading, StateFailed))
	assert.False(t, ValidTransition(StatePending, StateUploading))
	assert.False(t, ValidTransition(StateCompleted, StateFailed))
	assert.False(t, ValidTransition(StateCompleted, StatePending))
}
