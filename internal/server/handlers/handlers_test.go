package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loist/loist/internal/config"
	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/ingest"
	"github.com/loist/loist/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testEmbedBase = "https://loist.example"

type fakeIngestor struct {
	track *database.Track
	err   error
	src   ingest.Source
}

func (f *fakeIngestor) Process(_ context.Context, src ingest.Source, _ ingest.Options) (*database.Track, error) {
	f.src = src
	if f.err != nil {
		return nil, f.err
	}
	return f.track, nil
}

type fakeTracks struct {
	byID map[string]*database.Track

	searchRows  []database.Track
	searchTotal int64
	gotQuery    string
	gotLimit    int
	gotOffset   int
}

func (f *fakeTracks) Get(_ context.Context, id string) (*database.Track, error) {
	if track, ok := f.byID[id]; ok {
		return track, nil
	}
	return nil, errors.NewNotFoundError("track", id)
}

func (f *fakeTracks) Search(_ context.Context, query string, _ store.SearchFilters, limit, offset int) ([]database.Track, int64, error) {
	f.gotQuery = query
	f.gotLimit = limit
	f.gotOffset = offset
	return f.searchRows, f.searchTotal, nil
}

func (f *fakeTracks) CountByState(context.Context) (map[string]int64, error) {
	return map[string]int64{database.StateCompleted: int64(len(f.byID))}, nil
}

type fakeSigner struct {
	calls int
	err   error
}

func (f *fakeSigner) Bucket() string { return "test-bucket" }

func (f *fakeSigner) SignedURL(_ context.Context, object string, ttl time.Duration) (string, time.Time, error) {
	f.calls++
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	return "https://storage.example/" + object + "?sig=abc", time.Now().Add(ttl), nil
}

type fakePool struct{ err error }

func (f *fakePool) HealthCheck(context.Context) error { return f.err }
func (f *fakePool) Stats() database.PoolStats         { return database.PoolStats{Capacity: 10} }

func ptr[T any](v T) *T { return &v }

func completedTrack(id string) *database.Track {
	thumb := "audio/" + id + "/thumbnail.jpg"
	return &database.Track{
		ID:            id,
		State:         database.StateCompleted,
		Artist:        ptr("Boards of Canada"),
		Title:         ptr("Roygbiv"),
		Album:         ptr("Music Has the Right to Children"),
		Genre:         ptr("Electronic"),
		Year:          ptr(1998),
		Duration:      148.2,
		Channels:      2,
		SampleRate:    44100,
		Bitrate:       320000,
		Format:        "mp3",
		Bucket:        "test-bucket",
		ObjectPath:    "audio/" + id + "/" + id + ".mp3",
		ThumbnailPath: &thumb,
		ContentType:   "audio/mpeg",
	}
}

func testHandlers(t *testing.T, ingestor *fakeIngestor, tracks *fakeTracks) (*Handlers, *gin.Engine, *fakeSigner) {
	t.Helper()
	cfg := config.Default()
	cfg.Embed.BaseURL = testEmbedBase
	cfg.Embed.ProviderName = "Loist"

	if ingestor == nil {
		ingestor = &fakeIngestor{}
	}
	if tracks == nil {
		tracks = &fakeTracks{byID: map[string]*database.Track{}}
	}
	signer := &fakeSigner{}
	h := New(cfg, ingestor, tracks, signer, &fakePool{})

	r := gin.New()
	r.POST("/api/v1/tools/:name", h.HandleToolCall)
	r.GET("/api/v1/audio/:id/metadata", h.HandleMetadata)
	r.GET("/api/v1/audio/:id/stream", h.HandleStream)
	r.GET("/embed/:id", h.HandleEmbed)
	r.GET("/oembed", h.HandleOEmbed)
	r.GET("/.well-known/oembed.json", h.HandleOEmbedDiscovery)
	r.GET("/health", h.HandleHealth)
	r.GET("/ready", h.HandleReady)
	return h, r, signer
}

func callTool(t *testing.T, r *gin.Engine, name string, params interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if params != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(params))
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tools/"+name, &body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	return got
}

func TestHealthCheckTool(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := callTool(t, r, "health_check", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, "ok", got["status"])
	assert.Equal(t, "loist", got["service"])
	assert.Equal(t, "http", got["transport"])
	assert.NotEmpty(t, got["version"])
}

func TestUnknownToolIsNotFound(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := callTool(t, r, "frobnicate", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "RESOURCE_NOT_FOUND", got["error"])
}

func TestProcessAudioCompleteEnvelope(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	ingestor := &fakeIngestor{track: completedTrack(id)}
	_, r, _ := testHandlers(t, ingestor, nil)

	w := callTool(t, r, "process_audio_complete", map[string]interface{}{
		"source": map[string]string{
			"type": "http_url",
			"url":  "https://cdn.example/roygbiv.mp3",
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decodeJSON(t, w)
	assert.Equal(t, true, got["success"])
	assert.Equal(t, id, got["audioId"])
	assert.Equal(t, "https://cdn.example/roygbiv.mp3", ingestor.src.URL)

	meta := got["metadata"].(map[string]interface{})
	product := meta["Product"].(map[string]interface{})
	assert.Equal(t, "Boards of Canada", product["Artist"])
	assert.Equal(t, "Roygbiv", product["Title"])
	assert.Nil(t, product["MBID"])
	assert.Equal(t, []interface{}{"Electronic"}, product["Genre"])
	assert.Equal(t, float64(1998), product["Year"])

	format := meta["Format"].(map[string]interface{})
	assert.Equal(t, 148.2, format["Duration"])
	assert.Equal(t, float64(44100), format["Sample rate"])
	assert.Equal(t, "MP3", format["Format"])

	assert.Equal(t, testEmbedBase+"/embed/"+id, meta["urlEmbedLink"])

	resources := got["resources"].(map[string]interface{})
	assert.Equal(t, "music-library://audio/"+id+"/stream", resources["audio"])
	assert.Equal(t, "music-library://audio/"+id+"/thumbnail", resources["thumbnail"])
	assert.Nil(t, resources["waveform"])

	assert.GreaterOrEqual(t, got["processingTime"].(float64), 0.0)
}

func TestProcessAudioCompleteFailure(t *testing.T) {
	ingestor := &fakeIngestor{err: errors.New(errors.KindFormatInvalid, "not an audio file")}
	_, r, _ := testHandlers(t, ingestor, nil)

	w := callTool(t, r, "process_audio_complete", map[string]interface{}{
		"source": map[string]string{"type": "http_url", "url": "https://cdn.example/nope.pdf"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "FORMAT_INVALID", got["error"])
	assert.Equal(t, "not an audio file", got["message"])
}

func TestGetAudioMetadataRejectsNonUUID(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := callTool(t, r, "get_audio_metadata", map[string]string{"audioId": "not-a-uuid"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, "INVALID_QUERY", got["error"])
}

func TestGetAudioMetadataUnknown(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := callTool(t, r, "get_audio_metadata", map[string]string{
		"audioId": "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e",
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, "RESOURCE_NOT_FOUND", got["error"])
}

func TestGetAudioMetadataFailedRow(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	failed := &database.Track{
		ID:             id,
		State:          database.StateFailed,
		FailureKind:    ptr("TIMEOUT"),
		FailureMessage: ptr("source fetch timed out"),
	}
	tracks := &fakeTracks{byID: map[string]*database.Track{id: failed}}
	_, r, _ := testHandlers(t, nil, tracks)

	w := callTool(t, r, "get_audio_metadata", map[string]string{"audioId": id})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, true, got["success"])
	assert.Equal(t, "FAILED", got["state"])
	failure := got["failure"].(map[string]interface{})
	assert.Equal(t, "TIMEOUT", failure["error"])
	assert.Nil(t, got["metadata"])
}

func TestSearchLibraryClampsLimit(t *testing.T) {
	tracks := &fakeTracks{byID: map[string]*database.Track{}}
	_, r, _ := testHandlers(t, nil, tracks)

	cases := []struct {
		name  string
		limit *int
		want  int
	}{
		{"default", nil, 20},
		{"zero clamps up", ptr(0), 1},
		{"negative clamps up", ptr(-5), 1},
		{"over max clamps down", ptr(500), 100},
		{"in range", ptr(42), 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := map[string]interface{}{"query": "aphex"}
			if tc.limit != nil {
				params["limit"] = *tc.limit
			}
			w := callTool(t, r, "search_library", params)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.want, tracks.gotLimit)
		})
	}
}

func TestSearchLibraryResults(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{
		byID:        map[string]*database.Track{},
		searchRows:  []database.Track{*completedTrack(id)},
		searchTotal: 7,
	}
	_, r, _ := testHandlers(t, nil, tracks)

	w := callTool(t, r, "search_library", map[string]interface{}{
		"query":  "boards",
		"offset": 3,
	})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, float64(7), got["total"])
	assert.Equal(t, float64(3), got["offset"])
	assert.Equal(t, "boards", tracks.gotQuery)

	results := got["results"].([]interface{})
	require.Len(t, results, 1)
	hit := results[0].(map[string]interface{})
	assert.Equal(t, id, hit["audioId"])
	assert.Equal(t, "Boards of Canada", hit["artist"])
	assert.Equal(t, testEmbedBase+"/embed/"+id, hit["urlEmbedLink"])
}

func TestEmbedPageRendersMetaTags(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	_, r, _ := testHandlers(t, nil, tracks)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embed/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `property="og:type" content="music.song"`)
	assert.Contains(t, body, `property="og:title" content="Boards of Canada - Roygbiv"`)
	assert.Contains(t, body, `property="og:audio"`)
	assert.Contains(t, body, `property="og:audio:type" content="audio/mpeg"`)
	assert.Contains(t, body, `property="og:site_name" content="Loist"`)
	assert.Contains(t, body, `name="twitter:card" content="player"`)
	assert.Contains(t, body, `name="twitter:player:width" content="500"`)
	assert.Contains(t, body, `name="twitter:player:height" content="200"`)
	assert.Contains(t, body, `type="application/json+oembed"`)
	assert.Contains(t, body, "https://storage.example/audio/"+id)
}

func TestEmbedPageUnknownIs404(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	for _, path := range []string{
		"/embed/0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e",
		"/embed/garbage",
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestEmbedPageHidesUnfinishedTracks(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	pending := completedTrack(id)
	pending.State = database.StateUploading
	tracks := &fakeTracks{byID: map[string]*database.Track{id: pending}}
	_, r, _ := testHandlers(t, nil, tracks)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embed/"+id, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmbedCacheShortCircuitsLookups(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	h, r, _ := testHandlers(t, nil, tracks)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embed/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)

	// A second request is served from the cache even if the row vanishes.
	delete(tracks.byID, id)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/embed/"+id, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.embedCache.Len())
}

func TestStreamRedirectsToSignedURL(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	_, r, signer := testHandlers(t, nil, tracks)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audio/"+id+"/stream", nil))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Contains(t, w.Header().Get("Location"), "https://storage.example/audio/"+id)
	assert.Equal(t, 1, signer.calls)
}

func TestStreamMissingBlobIs404(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	_, r, signer := testHandlers(t, nil, tracks)

	// The sign path probes existence; a blob swept away after the row
	// completed comes back as not-found, not as a URL that would 404.
	signer.err = errors.NewNotFoundError("object", "audio/"+id+"/"+id+".mp3")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audio/"+id+"/stream", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	got := decodeJSON(t, w)
	assert.Equal(t, false, got["success"])
	assert.Equal(t, "RESOURCE_NOT_FOUND", got["error"])
}

func TestOEmbedResponse(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	_, r, _ := testHandlers(t, nil, tracks)

	target := "/oembed?url=" + url.QueryEscape(testEmbedBase+"/embed/"+id)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decodeJSON(t, w)
	assert.Equal(t, "1.0", got["version"])
	assert.Equal(t, "rich", got["type"])
	assert.Equal(t, "Loist", got["provider_name"])
	assert.Equal(t, "Boards of Canada - Roygbiv", got["title"])
	assert.Equal(t, "Boards of Canada", got["author_name"])
	assert.Equal(t, float64(500), got["width"])
	assert.Equal(t, float64(200), got["height"])
	assert.Equal(t, float64(3600), got["cache_age"])

	html := got["html"].(string)
	assert.True(t, strings.HasPrefix(html, "<iframe"))
	assert.Contains(t, html, testEmbedBase+"/embed/"+id)
	assert.Contains(t, html, `width="500"`)
	assert.Contains(t, html, `frameborder="0"`)
}

func TestOEmbedClampsDimensions(t *testing.T) {
	id := "0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"
	tracks := &fakeTracks{byID: map[string]*database.Track{id: completedTrack(id)}}
	_, r, _ := testHandlers(t, nil, tracks)

	target := "/oembed?maxwidth=300&maxheight=900&url=" +
		url.QueryEscape(testEmbedBase + "/embed/" + id)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := decodeJSON(t, w)
	assert.Equal(t, float64(300), got["width"])
	// maxheight above the native size leaves it alone.
	assert.Equal(t, float64(200), got["height"])
	assert.Contains(t, got["html"].(string), `width="300"`)
}

func TestOEmbedRejectsBadRequests(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	cases := []struct {
		name   string
		target string
		status int
	}{
		{"missing url", "/oembed", http.StatusBadRequest},
		{"foreign host", "/oembed?url=" + url.QueryEscape("https://evil.example/embed/0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"), http.StatusBadRequest},
		{"not an embed path", "/oembed?url=" + url.QueryEscape(testEmbedBase+"/about"), http.StatusBadRequest},
		{"xml format", "/oembed?format=xml&url=" + url.QueryEscape(testEmbedBase+"/embed/0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"), http.StatusBadRequest},
		{"unknown track", "/oembed?url=" + url.QueryEscape(testEmbedBase+"/embed/0d4b9d6c-35a0-4c83-8e5a-1f2a3b4c5d6e"), http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.target, nil))
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestOEmbedDiscoveryDescriptor(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/oembed.json", nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := decodeJSON(t, w)
	assert.Equal(t, "Loist", got["provider_name"])
	endpoints := got["endpoints"].([]interface{})
	require.Len(t, endpoints, 1)
	endpoint := endpoints[0].(map[string]interface{})
	assert.Equal(t, testEmbedBase+"/oembed", endpoint["url"])
	assert.Equal(t, []interface{}{testEmbedBase + "/embed/*"}, endpoint["schemes"])
}

func TestHealthAndReady(t *testing.T) {
	_, r, _ := testHandlers(t, nil, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "loist", decodeJSON(t, w)["service"])

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decodeJSON(t, w)["status"])
}
