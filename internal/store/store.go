// Package store implements the track metadata store: CRUD, conditional state
// transitions and ranked full-text search over the audio_tracks table.
package store

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/errors"
)

// SearchFilters are conjunctive predicates applied on top of the text query.
// Zero values mean "no constraint".
type SearchFilters struct {
	Genre       string  `json:"genre,omitempty"`
	Year        int     `json:"year,omitempty"`
	Format      string  `json:"format,omitempty"`
	MinDuration float64 `json:"min_duration,omitempty"`
	MaxDuration float64 `json:"max_duration,omitempty"`
}

// Store persists tracks through the bounded connection pool.
type Store struct {
	pool *database.Pool
}

// New creates a store on top of the pool.
func New(pool *database.Pool) *Store {
	return &Store{pool: pool}
}

// Insert creates a new track row. A duplicate identifier or object path is a
// conflict.
func (s *Store) Insert(ctx context.Context, track *database.Track) error {
	track.SearchText = SearchText(track)
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		if err := db.Create(track).Error; err != nil {
			if stderrors.Is(err, gorm.ErrDuplicatedKey) {
				return errors.New(errors.KindStateConflict, "track already exists").
					WithContext("id", track.ID)
			}
			return errors.NewDatabaseError("insert", err, false)
		}
		return nil
	})
}

// UpdateState performs the conditional transition from -> to. A row not in
// the expected state fails with STATE_CONFLICT.
func (s *Store) UpdateState(ctx context.Context, id, from, to string) error {
	if !database.ValidTransition(from, to) {
		return errors.New(errors.KindStateConflict, "illegal state transition").
			WithContext("from", from).
			WithContext("to", to)
	}
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		result := db.Model(&database.Track{}).
			Where("id = ? AND state = ?", id, from).
			Updates(map[string]interface{}{
				"state":      to,
				"updated_at": time.Now().UTC(),
			})
		if result.Error != nil {
			return errors.NewDatabaseError("update state", result.Error, false)
		}
		if result.RowsAffected == 0 {
			return errors.New(errors.KindStateConflict, "track not in expected state").
				WithContext("id", id).
				WithContext("expected", from)
		}
		return nil
	})
}

// RecordFailure moves the row to FAILED with the attempt ordinal and failure
// detail, from whatever state the attempt died in.
func (s *Store) RecordFailure(ctx context.Context, id string, attempt int, kind, message string) error {
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		result := db.Model(&database.Track{}).
			Where("id = ? AND state <> ?", id, database.StateCompleted).
			Updates(map[string]interface{}{
				"state":           database.StateFailed,
				"attempts":        attempt,
				"failure_kind":    kind,
				"failure_message": message,
				"updated_at":      time.Now().UTC(),
			})
		if result.Error != nil {
			return errors.NewDatabaseError("record failure", result.Error, false)
		}
		return nil
	})
}

// Complete writes the extracted metadata and object paths in the same
// transaction as the RECORDING -> COMPLETED transition, so a committed row is
// always fully populated.
func (s *Store) Complete(ctx context.Context, track *database.Track) error {
	track.SearchText = SearchText(track)
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&database.Track{}).
				Where("id = ? AND state = ?", track.ID, database.StateRecording).
				Updates(map[string]interface{}{
					"state":          database.StateCompleted,
					"artist":         track.Artist,
					"title":          track.Title,
					"album":          track.Album,
					"genre":          track.Genre,
					"year":           track.Year,
					"duration":       track.Duration,
					"channels":       track.Channels,
					"sample_rate":    track.SampleRate,
					"bitrate":        track.Bitrate,
					"bit_depth":      track.BitDepth,
					"format":         track.Format,
					"bucket":         track.Bucket,
					"object_path":    track.ObjectPath,
					"thumbnail_path": track.ThumbnailPath,
					"size_bytes":     track.SizeBytes,
					"content_type":   track.ContentType,
					"search_text":    track.SearchText,
					"updated_at":     time.Now().UTC(),
				})
			if result.Error != nil {
				return errors.NewDatabaseError("complete", result.Error, false)
			}
			if result.RowsAffected == 0 {
				return errors.New(errors.KindStateConflict, "track not in RECORDING state").
					WithContext("id", track.ID)
			}
			return nil
		})
	})
}

// SetObject persists the blob location as soon as the upload lands, so a row
// that later fails still points the sweeper at its blob.
func (s *Store) SetObject(ctx context.Context, id, bucket, objectPath string, thumbnailPath *string) error {
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		result := db.Model(&database.Track{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"bucket":         bucket,
				"object_path":    objectPath,
				"thumbnail_path": thumbnailPath,
				"updated_at":     time.Now().UTC(),
			})
		if result.Error != nil {
			return errors.NewDatabaseError("set object", result.Error, false)
		}
		if result.RowsAffected == 0 {
			return errors.NewNotFoundError("track", id)
		}
		return nil
	})
}

// Get returns the track row by identifier, in any state.
func (s *Store) Get(ctx context.Context, id string) (*database.Track, error) {
	var track database.Track
	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		if err := db.First(&track, "id = ?", id).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NewNotFoundError("track", id)
			}
			return errors.NewDatabaseError("get", err, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &track, nil
}

// GetByObject returns the track owning a stored blob, in any state.
func (s *Store) GetByObject(ctx context.Context, bucket, object string) (*database.Track, error) {
	var track database.Track
	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		if err := db.First(&track, "bucket = ? AND object_path = ?", bucket, object).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NewNotFoundError("track", object)
			}
			return errors.NewDatabaseError("get by object", err, false)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &track, nil
}

// Search ranks COMPLETED tracks against the query. On Postgres ranking uses
// the generated tsvector; on SQLite every token must LIKE-match the
// denormalized search text. Ties (and the empty query) order by newest first.
func (s *Store) Search(ctx context.Context, query string, filters SearchFilters, limit, offset int) ([]database.Track, int64, error) {
	var rows []database.Track
	var total int64

	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		scope := db.Model(&database.Track{}).Where("state = ?", database.StateCompleted)
		scope = applyFilters(scope, filters)

		query = strings.TrimSpace(query)
		ranked := false
		if query != "" {
			if db.Dialector.Name() == "postgres" {
				scope = scope.Where("search_vector @@ plainto_tsquery('english', ?)", query)
				ranked = true
			} else {
				for _, token := range strings.Fields(strings.ToLower(query)) {
					scope = scope.Where("search_text LIKE ?", "%"+token+"%")
				}
			}
		}

		if err := scope.Count(&total).Error; err != nil {
			return errors.NewDatabaseError("search count", err, false)
		}

		if ranked {
			scope = scope.Clauses(clause.OrderBy{Expression: clause.Expr{
				SQL:                "ts_rank(search_vector, plainto_tsquery('english', ?)) DESC, created_at DESC",
				Vars:               []interface{}{query},
				WithoutParentheses: true,
			}})
		} else {
			scope = scope.Order("created_at DESC")
		}
		if err := scope.Limit(limit).Offset(offset).Find(&rows).Error; err != nil {
			return errors.NewDatabaseError("search", err, false)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func applyFilters(scope *gorm.DB, filters SearchFilters) *gorm.DB {
	if filters.Genre != "" {
		scope = scope.Where("LOWER(genre) = ?", strings.ToLower(filters.Genre))
	}
	if filters.Year != 0 {
		scope = scope.Where("year = ?", filters.Year)
	}
	if filters.Format != "" {
		scope = scope.Where("format = ?", strings.ToUpper(filters.Format))
	}
	if filters.MinDuration > 0 {
		scope = scope.Where("duration >= ?", filters.MinDuration)
	}
	if filters.MaxDuration > 0 {
		scope = scope.Where("duration <= ?", filters.MaxDuration)
	}
	return scope
}

// ListQuarantinable returns FAILED, not yet quarantined rows last touched
// before the cutoff.
func (s *Store) ListQuarantinable(ctx context.Context, before time.Time) ([]database.Track, error) {
	var rows []database.Track
	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		return db.
			Where("state = ? AND quarantined_at IS NULL AND updated_at < ?",
				database.StateFailed, before).
			Find(&rows).Error
	})
	if err != nil {
		return nil, errors.NewDatabaseError("list quarantinable", err, false)
	}
	return rows, nil
}

// ListQuarantined returns rows quarantined before the cutoff, due deletion.
func (s *Store) ListQuarantined(ctx context.Context, before time.Time) ([]database.Track, error) {
	var rows []database.Track
	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		return db.
			Where("quarantined_at IS NOT NULL AND quarantined_at < ?", before).
			Find(&rows).Error
	})
	if err != nil {
		return nil, errors.NewDatabaseError("list quarantined", err, false)
	}
	return rows, nil
}

// MarkQuarantined records the quarantine timestamp and the blob's new
// location.
func (s *Store) MarkQuarantined(ctx context.Context, id, newObjectPath string) error {
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		result := db.Model(&database.Track{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"quarantined_at": time.Now().UTC(),
				"object_path":    newObjectPath,
				"updated_at":     time.Now().UTC(),
			})
		if result.Error != nil {
			return errors.NewDatabaseError("mark quarantined", result.Error, false)
		}
		if result.RowsAffected == 0 {
			return errors.NewNotFoundError("track", id)
		}
		return nil
	})
}

// Delete removes a row. Deleting an absent row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.pool.WithConn(ctx, func(db *gorm.DB) error {
		if err := db.Delete(&database.Track{}, "id = ?", id).Error; err != nil {
			return errors.NewDatabaseError("delete", err, false)
		}
		return nil
	})
}

// CountByState returns row counts grouped by state, for health reporting.
func (s *Store) CountByState(ctx context.Context) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var grouped []row
	err := s.pool.WithConn(ctx, func(db *gorm.DB) error {
		return db.Model(&database.Track{}).
			Select("state, count(*) as n").
			Group("state").
			Scan(&grouped).Error
	})
	if err != nil {
		return nil, errors.NewDatabaseError("count by state", err, false)
	}
	counts := make(map[string]int64, len(grouped))
	for _, g := range grouped {
		counts[g.State] = g.N
	}
	return counts, nil
}

// SearchText denormalizes the descriptive fields into the lower-cased token
// column used by SQLite matching; Postgres derives its tsvector from the same
// columns.
func SearchText(track *database.Track) string {
	parts := make([]string, 0, 5)
	for _, field := range []*string{track.Artist, track.Title, track.Album, track.Genre} {
		if field != nil && *field != "" {
			parts = append(parts, strings.ToLower(*field))
		}
	}
	if track.Year != nil && *track.Year != 0 {
		parts = append(parts, strconv.Itoa(*track.Year))
	}
	return strings.Join(parts, " ")
}
