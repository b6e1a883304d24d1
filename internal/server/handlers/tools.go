package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/ingest"
	"github.com/loist/loist/internal/store"
	"github.com/loist/loist/internal/utils"
)

// Search pagination bounds.
const (
	searchLimitDefault = 20
	searchLimitMax     = 100
)

// productInfo and formatInfo mirror the documented metadata envelope; the
// field names are part of the wire contract.
type productInfo struct {
	Artist string   `json:"Artist"`
	Title  string   `json:"Title"`
	Album  string   `json:"Album"`
	MBID   *string  `json:"MBID"`
	Genre  []string `json:"Genre"`
	Year   *int     `json:"Year"`
}

type formatInfo struct {
	Duration   float64 `json:"Duration"`
	Channels   int     `json:"Channels"`
	SampleRate int     `json:"Sample rate"`
	Bitrate    int     `json:"Bitrate"`
	Format     string  `json:"Format"`
}

type trackMetadata struct {
	Product      productInfo `json:"Product"`
	Format       formatInfo  `json:"Format"`
	URLEmbedLink string      `json:"urlEmbedLink"`
}

type resourceLinks struct {
	Audio     string  `json:"audio"`
	Thumbnail *string `json:"thumbnail"`
	Waveform  *string `json:"waveform"`
}

type processResult struct {
	Success        bool          `json:"success"`
	AudioID        string        `json:"audioId"`
	Metadata       trackMetadata `json:"metadata"`
	Resources      resourceLinks `json:"resources"`
	ProcessingTime float64       `json:"processingTime"`
}

type failureDetail struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type metadataResult struct {
	Success   bool           `json:"success"`
	AudioID   string         `json:"audioId"`
	State     string         `json:"state"`
	Metadata  *trackMetadata `json:"metadata,omitempty"`
	Resources *resourceLinks `json:"resources,omitempty"`
	Failure   *failureDetail `json:"failure,omitempty"`
}

type searchHit struct {
	AudioID      string  `json:"audioId"`
	Artist       *string `json:"artist"`
	Title        *string `json:"title"`
	Album        *string `json:"album"`
	Genre        *string `json:"genre"`
	Year         *int    `json:"year"`
	Duration     float64 `json:"duration"`
	Format       string  `json:"format"`
	URLEmbedLink string  `json:"urlEmbedLink"`
}

type searchResult struct {
	Success bool        `json:"success"`
	Total   int64       `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	Results []searchHit `json:"results"`
}

type healthResult struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Transport string `json:"transport"`
}

type processParams struct {
	Source  ingest.Source  `json:"source"`
	Options ingest.Options `json:"options"`
}

type metadataParams struct {
	AudioID string `json:"audioId"`
}

type searchParams struct {
	Query   string              `json:"query"`
	Filters store.SearchFilters `json:"filters"`
	Limit   *int                `json:"limit"`
	Offset  int                 `json:"offset"`
}

// HandleToolCall is the HTTP binding for CallTool.
func (h *Handlers) HandleToolCall(c *gin.Context) {
	var params json.RawMessage
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			errors.ToGinResponse(c, errors.NewInvalidQuery("request body is not valid JSON"))
			return
		}
	}
	result, err := h.CallTool(c.Request.Context(), c.Param("name"), params)
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CallTool dispatches a named tool. Both the HTTP route and the stdio
// transport funnel through here.
func (h *Handlers) CallTool(ctx context.Context, name string, params json.RawMessage) (interface{}, error) {
	switch name {
	case "health_check":
		return h.healthCheckTool(), nil
	case "process_audio_complete":
		return h.processAudioComplete(ctx, params)
	case "get_audio_metadata":
		return h.getAudioMetadata(ctx, params)
	case "search_library":
		return h.searchLibrary(ctx, params)
	default:
		return nil, errors.NewNotFoundError("tool", name)
	}
}

func (h *Handlers) healthCheckTool() healthResult {
	return healthResult{
		Status:    "ok",
		Service:   ServiceName,
		Version:   ServiceVersion,
		Transport: h.transport,
	}
}

func (h *Handlers) processAudioComplete(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params processParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	start := time.Now()
	track, err := h.ingestor.Process(ctx, params.Source, params.Options)
	if err != nil {
		return nil, err
	}

	return processResult{
		Success:        true,
		AudioID:        track.ID,
		Metadata:       h.trackMetadata(track),
		Resources:      h.resourceLinks(track),
		ProcessingTime: float64(time.Since(start)) / float64(time.Millisecond),
	}, nil
}

func (h *Handlers) getAudioMetadata(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params metadataParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}
	if !utils.IsCanonicalUUID(params.AudioID) {
		return nil, errors.NewInvalidQuery("audioId must be a canonical UUID").
			WithContext("audioId", params.AudioID)
	}

	track, err := h.tracks.Get(ctx, params.AudioID)
	if err != nil {
		return nil, err
	}

	result := metadataResult{Success: true, AudioID: track.ID, State: track.State}
	if track.State == database.StateFailed {
		// Failed rows stay visible by id so callers can see why; they never
		// surface in search.
		result.Failure = &failureDetail{
			Error:   deref(track.FailureKind),
			Message: deref(track.FailureMessage),
		}
		return result, nil
	}

	meta := h.trackMetadata(track)
	resources := h.resourceLinks(track)
	result.Metadata = &meta
	result.Resources = &resources
	return result, nil
}

func (h *Handlers) searchLibrary(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var params searchParams
	if err := decodeParams(raw, &params); err != nil {
		return nil, err
	}

	limit := searchLimitDefault
	if params.Limit != nil {
		// Out-of-range limits clamp rather than fail.
		limit = *params.Limit
		if limit < 1 {
			limit = 1
		}
		if limit > searchLimitMax {
			limit = searchLimitMax
		}
	}
	offset := params.Offset
	if offset < 0 {
		offset = 0
	}

	rows, total, err := h.tracks.Search(ctx, params.Query, params.Filters, limit, offset)
	if err != nil {
		return nil, err
	}

	hits := make([]searchHit, 0, len(rows))
	for i := range rows {
		track := &rows[i]
		hits = append(hits, searchHit{
			AudioID:      track.ID,
			Artist:       track.Artist,
			Title:        track.Title,
			Album:        track.Album,
			Genre:        track.Genre,
			Year:         track.Year,
			Duration:     track.Duration,
			Format:       track.Format,
			URLEmbedLink: h.embedLink(track.ID),
		})
	}
	return searchResult{
		Success: true,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Results: hits,
	}, nil
}

func (h *Handlers) trackMetadata(track *database.Track) trackMetadata {
	var genres []string
	if track.Genre != nil && *track.Genre != "" {
		genres = []string{*track.Genre}
	} else {
		genres = []string{}
	}
	return trackMetadata{
		Product: productInfo{
			Artist: deref(track.Artist),
			Title:  deref(track.Title),
			Album:  deref(track.Album),
			MBID:   nil,
			Genre:  genres,
			Year:   track.Year,
		},
		Format: formatInfo{
			Duration:   track.Duration,
			Channels:   track.Channels,
			SampleRate: track.SampleRate,
			Bitrate:    track.Bitrate,
			Format:     strings.ToUpper(track.Format),
		},
		URLEmbedLink: h.embedLink(track.ID),
	}
}

func (h *Handlers) resourceLinks(track *database.Track) resourceLinks {
	links := resourceLinks{
		Audio: resourceURI(track.ID, "stream"),
	}
	if track.ThumbnailPath != nil && *track.ThumbnailPath != "" {
		thumb := resourceURI(track.ID, "thumbnail")
		links.Thumbnail = &thumb
	}
	return links
}

func (h *Handlers) embedLink(id string) string {
	return strings.TrimRight(h.cfg.Embed.BaseURL, "/") + "/embed/" + id
}

// resourceURI forms the stable music-library:// identifier for a track facet.
func resourceURI(id, facet string) string {
	return fmt.Sprintf("music-library://audio/%s/%s", id, facet)
}

func decodeParams(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.NewInvalidQuery("malformed tool parameters").
			WithContext("cause", err.Error())
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
