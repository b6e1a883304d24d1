// Package handlers implements the tool API, the public embed surface and
// the health endpoints.
package handlers

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/ingest"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/store"
)

const (
	ServiceName    = "loist"
	ServiceVersion = "1.0.0"
)

// Dimensions of the embedded player, also advertised via oEmbed.
const (
	playerWidth  = 500
	playerHeight = 200
)

// trackCacheSize and trackCacheTTL bound the embed page's track lookup
// cache. Completed tracks are immutable, so a short TTL only limits how
// long a deleted track's page stays renderable.
const (
	trackCacheSize = 1024
	trackCacheTTL  = time.Minute
)

// Ingestor runs the ingestion pipeline.
type Ingestor interface {
	Process(ctx context.Context, src ingest.Source, opts ingest.Options) (*database.Track, error)
}

// TrackReader is the read side of the track store.
type TrackReader interface {
	Get(ctx context.Context, id string) (*database.Track, error)
	Search(ctx context.Context, query string, filters store.SearchFilters, limit, offset int) ([]database.Track, int64, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}

// URLSigner mints signed URLs for stored objects.
type URLSigner interface {
	Bucket() string
	SignedURL(ctx context.Context, object string, ttl time.Duration) (string, time.Time, error)
}

// DBHealth is the slice of the connection pool the health endpoints use.
type DBHealth interface {
	HealthCheck(ctx context.Context) error
	Stats() database.PoolStats
}

// Handlers bundles the dependencies behind every endpoint.
type Handlers struct {
	cfg       *config.Config
	ingestor  Ingestor
	tracks    TrackReader
	signer    URLSigner
	pool      DBHealth
	transport string
	started   time.Time

	// embedCache short-circuits track lookups for hot embed pages.
	embedCache *expirable.LRU[string, *database.Track]

	log interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
		Error(msg string, args ...interface{})
	}
}

// New wires the handler set.
func New(cfg *config.Config, ingestor Ingestor, tracks TrackReader, signer URLSigner, pool DBHealth) *Handlers {
	return &Handlers{
		cfg:        cfg,
		ingestor:   ingestor,
		tracks:     tracks,
		signer:     signer,
		pool:       pool,
		transport:  cfg.Server.Transport,
		started:    time.Now(),
		embedCache: expirable.NewLRU[string, *database.Track](trackCacheSize, nil, trackCacheTTL),
		log:        logger.Named("handlers"),
	}
}
