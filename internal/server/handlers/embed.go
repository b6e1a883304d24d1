package handlers

import (
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/database"
	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/utils"
)

//go:embed templates/player.html
var templateFS embed.FS

var playerTemplate = template.Must(template.ParseFS(templateFS, "templates/player.html"))

// playerPage carries everything the embed template renders, including the
// social meta tags crawlers read.
type playerPage struct {
	Title        string
	Artist       string
	TrackTitle   string
	Album        string
	AudioURL     string
	AudioType    string
	ThumbnailURL string
	PageURL      string
	SiteName     string
	OEmbedURL    string
	PlayerWidth  int
	PlayerHeight int
}

// HandleEmbed renders the public player page for a completed track.
func (h *Handlers) HandleEmbed(c *gin.Context) {
	id := c.Param("id")
	track, err := h.embeddableTrack(c, id)
	if err != nil {
		c.Header("Content-Type", "text/html; charset=utf-8")
		c.String(http.StatusNotFound, "<!doctype html><title>Not found</title><h1>Track not found</h1>")
		return
	}

	audioURL, _, err := h.signer.SignedURL(c.Request.Context(), track.ObjectPath, h.cfg.SignedURLTTL())
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}

	page := playerPage{
		Artist:       deref(track.Artist),
		TrackTitle:   deref(track.Title),
		Album:        deref(track.Album),
		AudioURL:     audioURL,
		AudioType:    track.ContentType,
		PageURL:      h.embedLink(track.ID),
		SiteName:     h.cfg.Embed.ProviderName,
		PlayerWidth:  playerWidth,
		PlayerHeight: playerHeight,
	}
	page.Title = pageTitle(page.Artist, page.TrackTitle)
	page.OEmbedURL = h.oembedEndpoint() + "?url=" + url.QueryEscape(page.PageURL)

	if track.ThumbnailPath != nil && *track.ThumbnailPath != "" {
		if thumbURL, _, err := h.signer.SignedURL(c.Request.Context(), *track.ThumbnailPath, h.cfg.SignedURLTTL()); err == nil {
			page.ThumbnailURL = thumbURL
		} else {
			h.log.Warn("thumbnail signing failed", "track", track.ID, "error", err)
		}
	}

	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := playerTemplate.Execute(c.Writer, page); err != nil {
		h.log.Error("embed render failed", "track", track.ID, "error", err)
	}
}

// HandleStream redirects to a short-lived signed URL for the audio object.
func (h *Handlers) HandleStream(c *gin.Context) {
	h.redirectToObject(c, func(track *database.Track) string { return track.ObjectPath })
}

// HandleThumbnail redirects to a short-lived signed URL for the artwork.
func (h *Handlers) HandleThumbnail(c *gin.Context) {
	h.redirectToObject(c, func(track *database.Track) string {
		if track.ThumbnailPath == nil {
			return ""
		}
		return *track.ThumbnailPath
	})
}

// HandleMetadata serves the metadata facet of the track resource.
func (h *Handlers) HandleMetadata(c *gin.Context) {
	id := c.Param("id")
	if !utils.IsCanonicalUUID(id) {
		errors.ToGinResponse(c, errors.NewInvalidQuery("track id must be a canonical UUID"))
		return
	}
	track, err := h.tracks.Get(c.Request.Context(), id)
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}
	result := metadataResult{Success: true, AudioID: track.ID, State: track.State}
	if track.State != database.StateFailed {
		meta := h.trackMetadata(track)
		resources := h.resourceLinks(track)
		result.Metadata = &meta
		result.Resources = &resources
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handlers) redirectToObject(c *gin.Context, object func(*database.Track) string) {
	track, err := h.embeddableTrack(c, c.Param("id"))
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}
	key := object(track)
	if key == "" {
		errors.ToGinResponse(c, errors.NewNotFoundError("thumbnail", track.ID))
		return
	}
	signed, _, err := h.signer.SignedURL(c.Request.Context(), key, h.cfg.SignedURLTTL())
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}
	c.Redirect(http.StatusFound, signed)
}

// embeddableTrack resolves a track id to a COMPLETED row, via the short
// lookup cache. Anything else is a not-found from the embed surface's point
// of view.
func (h *Handlers) embeddableTrack(c *gin.Context, id string) (*database.Track, error) {
	if !utils.IsCanonicalUUID(id) {
		return nil, errors.NewNotFoundError("track", id)
	}
	if track, ok := h.embedCache.Get(id); ok {
		return track, nil
	}
	track, err := h.tracks.Get(c.Request.Context(), id)
	if err != nil {
		return nil, err
	}
	if track.State != database.StateCompleted {
		return nil, errors.NewNotFoundError("track", id)
	}
	h.embedCache.Add(id, track)
	return track, nil
}

func pageTitle(artist, title string) string {
	switch {
	case artist != "" && title != "":
		return artist + " - " + title
	case title != "":
		return title
	case artist != "":
		return artist
	default:
		return "Audio track"
	}
}
