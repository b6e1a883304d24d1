package ingest

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/fetch"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/metadata"
	"github.com/loist/loist/internal/signature"
	"github.com/loist/loist/internal/storage"
	"github.com/loist/loist/internal/utils"
)

// SourceFetcher downloads a remote source to a local temp file.
type SourceFetcher interface {
	Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error)
}

// MetadataExtractor reads tags, technical fields and artwork.
type MetadataExtractor interface {
	Extract(ctx context.Context, path string, format signature.Format, sourceName string) (*metadata.TrackMetadata, *metadata.Artwork, error)
}

// ObjectStore is the slice of the storage gateway the pipeline consumes.
type ObjectStore interface {
	Bucket() string
	UploadFile(ctx context.Context, object, path, contentType string) error
	UploadBytes(ctx context.Context, object string, data []byte, contentType string) error
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, object string) error
	List(ctx context.Context, prefix string, fn func(storage.ObjectInfo) error) error
}

// TrackStore is the slice of the metadata store the pipeline consumes.
type TrackStore interface {
	Insert(ctx context.Context, track *database.Track) error
	UpdateState(ctx context.Context, id, from, to string) error
	SetObject(ctx context.Context, id, bucket, objectPath string, thumbnailPath *string) error
	Complete(ctx context.Context, track *database.Track) error
	RecordFailure(ctx context.Context, id string, attempt int, kind, message string) error
	ListQuarantinable(ctx context.Context, before time.Time) ([]database.Track, error)
	MarkQuarantined(ctx context.Context, id, newObjectPath string) error
	ListQuarantined(ctx context.Context, before time.Time) ([]database.Track, error)
	Get(ctx context.Context, id string) (*database.Track, error)
	Delete(ctx context.Context, id string) error
}

const backoffCap = 30 * time.Second

// Orchestrator runs the ingestion state machine.
type Orchestrator struct {
	fetcher   SourceFetcher
	extractor MetadataExtractor
	objects   ObjectStore
	tracks    TrackStore
	cfg       config.IngestConfig
	group     singleflight.Group
	log       interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
		Error(msg string, args ...interface{})
	}

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator wires the pipeline stages.
func NewOrchestrator(fetcher SourceFetcher, extractor MetadataExtractor, objects ObjectStore, tracks TrackStore, cfg config.IngestConfig) *Orchestrator {
	return &Orchestrator{
		fetcher:   fetcher,
		extractor: extractor,
		objects:   objects,
		tracks:    tracks,
		cfg:       cfg,
		log:       logger.Named("ingest"),
		sleep:     sleepCtx,
	}
}

// Process ingests a source end to end and returns the COMPLETED track row.
// Concurrent requests for the same source URL collapse into one attempt
// whose result every caller receives.
func (o *Orchestrator) Process(ctx context.Context, src Source, opts Options) (*database.Track, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	result, err, shared := o.group.Do(src.URL, func() (interface{}, error) {
		return o.processWithRetries(ctx, src, opts)
	})
	if shared {
		o.log.Debug("joined in-flight ingestion", "url", src.URL)
	}
	if err != nil {
		return nil, err
	}
	return result.(*database.Track), nil
}

func (o *Orchestrator) processWithRetries(ctx context.Context, src Source, opts Options) (*database.Track, error) {
	maxAttempts := o.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		track, err := o.attempt(ctx, src, opts, attempt)
		if err == nil {
			return track, nil
		}
		lastErr = err

		if !errors.Retriable(err) {
			o.log.Warn("ingestion failed terminally",
				"url", src.URL, "attempt", attempt, "error", err)
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(attempt)
		o.log.Info("retrying ingestion",
			"url", src.URL, "attempt", attempt, "delay", delay, "error", err)
		if err := o.sleep(ctx, delay); err != nil {
			return nil, errors.NewTimeout("ingestion retry wait", err)
		}
	}
	o.log.Error("ingestion exhausted retries", "url", src.URL, "error", lastErr)
	return nil, lastErr
}

// attempt runs one pass of the state machine under a fresh track identifier.
// Every failure marks the row FAILED with the attempt ordinal; the row stays
// behind for visibility and for the sweeper.
func (o *Orchestrator) attempt(ctx context.Context, src Source, opts Options, attempt int) (_ *database.Track, err error) {
	track := &database.Track{
		ID:        utils.GenerateUUID(),
		State:     database.StatePending,
		SourceURL: &src.URL,
		Attempts:  attempt,
	}
	if err := o.tracks.Insert(ctx, track); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			o.failTrack(track, attempt, err)
		}
	}()

	// PENDING -> DOWNLOADING
	if err := o.tracks.UpdateState(ctx, track.ID, database.StatePending, database.StateDownloading); err != nil {
		return nil, err
	}
	maxSizeMB := opts.MaxSizeMB
	if maxSizeMB <= 0 {
		maxSizeMB = o.cfg.MaxSizeMB
	}
	fetched, err := o.fetcher.Fetch(ctx, src.URL, fetch.Options{
		MaxSize: int64(maxSizeMB) * 1024 * 1024,
		Headers: src.Headers,
		Timeout: o.cfg.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	defer os.Remove(fetched.Path)

	// DOWNLOADING -> VALIDATING
	if err := o.tracks.UpdateState(ctx, track.ID, database.StateDownloading, database.StateValidating); err != nil {
		return nil, err
	}
	sourceName := src.Filename
	if sourceName == "" {
		sourceName = fetched.Filename
	}
	format, err := classifyFile(fetched.Path, sourceName)
	if err != nil {
		return nil, err
	}

	// VALIDATING -> EXTRACTING
	if err := o.tracks.UpdateState(ctx, track.ID, database.StateValidating, database.StateExtracting); err != nil {
		return nil, err
	}
	meta, artwork, err := o.extractor.Extract(ctx, fetched.Path, format, sourceName)
	if err != nil {
		return nil, err
	}

	// EXTRACTING -> UPLOADING
	if err := o.tracks.UpdateState(ctx, track.ID, database.StateExtracting, database.StateUploading); err != nil {
		return nil, err
	}
	audioObject := storage.AudioObject(track.ID, format.Extension())
	if err := o.objects.UploadFile(ctx, audioObject, fetched.Path, format.MIMEType()); err != nil {
		return nil, err
	}
	var thumbnailPath *string
	if artwork != nil {
		thumbObject := storage.ThumbnailObject(track.ID, artwork.Ext)
		if err := o.objects.UploadBytes(ctx, thumbObject, artwork.Data, artwork.MIMEType); err != nil {
			// Artwork is best-effort; the track completes without it.
			o.log.Warn("thumbnail upload failed", "track", track.ID, "error", err)
		} else {
			thumbnailPath = &thumbObject
		}
	}
	if err := o.tracks.SetObject(ctx, track.ID, o.objects.Bucket(), audioObject, thumbnailPath); err != nil {
		return nil, err
	}

	// UPLOADING -> RECORDING
	if err := o.tracks.UpdateState(ctx, track.ID, database.StateUploading, database.StateRecording); err != nil {
		return nil, err
	}

	fillTrack(track, meta, fetched)
	track.Bucket = o.objects.Bucket()
	track.ObjectPath = audioObject
	track.ThumbnailPath = thumbnailPath

	// RECORDING -> COMPLETED. The commit is shielded from client disconnect:
	// once the blob is stored, an interrupted caller must not leave the row
	// stuck mid-commit.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.tracks.Complete(commitCtx, track); err != nil {
		return nil, err
	}
	track.State = database.StateCompleted

	o.log.Info("ingestion completed",
		"track", track.ID, "format", string(format),
		"duration", meta.Duration, "attempt", attempt)
	return track, nil
}

// failTrack records the failure out of band of the (possibly canceled)
// request context.
func (o *Orchestrator) failTrack(track *database.Track, attempt int, cause error) {
	kind := string(errors.KindOf(cause))
	message := cause.Error()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.tracks.RecordFailure(ctx, track.ID, attempt, kind, message); err != nil {
		o.log.Error("failed to record ingestion failure",
			"track", track.ID, "cause", message, "error", err)
	}
}

// classifyFile reads the file head and classifies the audio format against
// the claimed extension.
func classifyFile(path, sourceName string) (signature.Format, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", errors.NewInternalError("failed to reopen fetched file", err)
	}
	defer file.Close()

	head := make([]byte, signature.HeadSize)
	n, _ := file.Read(head)
	ext := strings.TrimPrefix(filepath.Ext(sourceName), ".")
	return signature.Detect(head[:n], ext)
}

func fillTrack(track *database.Track, meta *metadata.TrackMetadata, fetched *fetch.Result) {
	track.Artist = optional(meta.Artist)
	track.Title = optional(meta.Title)
	track.Album = optional(meta.Album)
	track.Genre = optional(meta.Genre)
	if meta.Year != 0 {
		year := meta.Year
		track.Year = &year
	}
	track.Duration = meta.Duration
	track.Channels = meta.Channels
	track.SampleRate = meta.SampleRate
	track.Bitrate = meta.Bitrate
	track.BitDepth = meta.BitDepth
	track.Format = string(meta.Format)
	track.SizeBytes = fetched.Size
	track.ContentType = meta.Format.MIMEType()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// backoffDelay is 1s x 2^attempt with full jitter, capped at 30s.
func backoffDelay(attempt int) time.Duration {
	delay := time.Second << attempt
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	return time.Duration(rand.Int63n(int64(delay)) + 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
