package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/utils"
)

const oembedCacheAge = 3600

type oembedResponse struct {
	Version      string `json:"version"`
	Type         string `json:"type"`
	ProviderName string `json:"provider_name"`
	ProviderURL  string `json:"provider_url"`
	Title        string `json:"title"`
	AuthorName   string `json:"author_name"`
	HTML         string `json:"html"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	CacheAge     int    `json:"cache_age"`
}

// HandleOEmbed implements the oEmbed provider endpoint for embed page URLs.
func (h *Handlers) HandleOEmbed(c *gin.Context) {
	if format := c.Query("format"); format != "" && format != "json" {
		errors.ToGinResponse(c, errors.NewInvalidQuery("only json format is supported").
			WithContext("format", format))
		return
	}

	rawURL := c.Query("url")
	if rawURL == "" {
		errors.ToGinResponse(c, errors.NewInvalidQuery("url parameter is required"))
		return
	}
	id, err := h.embedTrackID(rawURL)
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}

	track, err := h.embeddableTrack(c, id)
	if err != nil {
		errors.ToGinResponse(c, err)
		return
	}

	width := clampDimension(c.Query("maxwidth"), playerWidth)
	height := clampDimension(c.Query("maxheight"), playerHeight)

	resp := oembedResponse{
		Version:      "1.0",
		Type:         "rich",
		ProviderName: h.cfg.Embed.ProviderName,
		ProviderURL:  h.cfg.Embed.BaseURL,
		Title:        pageTitle(deref(track.Artist), deref(track.Title)),
		AuthorName:   deref(track.Artist),
		HTML:         h.embedIframe(track.ID, width, height),
		Width:        width,
		Height:       height,
		CacheAge:     oembedCacheAge,
	}
	if track.ThumbnailPath != nil && *track.ThumbnailPath != "" {
		if thumbURL, _, err := h.signer.SignedURL(c.Request.Context(), *track.ThumbnailPath, h.cfg.SignedURLTTL()); err == nil {
			resp.ThumbnailURL = thumbURL
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleOEmbedDiscovery serves the provider descriptor under /.well-known.
func (h *Handlers) HandleOEmbedDiscovery(c *gin.Context) {
	base := strings.TrimRight(h.cfg.Embed.BaseURL, "/")
	c.JSON(http.StatusOK, gin.H{
		"provider_name": h.cfg.Embed.ProviderName,
		"provider_url":  h.cfg.Embed.BaseURL,
		"endpoints": []gin.H{
			{
				"url":       base + "/oembed",
				"schemes":   []string{base + "/embed/*"},
				"formats":   []string{"json"},
				"discovery": true,
			},
		},
	})
}

// embedTrackID extracts the track id from a consumer-supplied embed page URL,
// which must live under the configured embed base.
func (h *Handlers) embedTrackID(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", errors.NewInvalidQuery("url parameter is not a valid URL")
	}
	base, err := url.Parse(h.cfg.Embed.BaseURL)
	if err != nil {
		return "", errors.NewInternalError("embed base URL is misconfigured", err)
	}
	if parsed.Host != base.Host || parsed.Scheme != base.Scheme {
		return "", errors.NewInvalidQuery("url is not an embed page of this provider").
			WithContext("url", rawURL)
	}
	id, ok := strings.CutPrefix(strings.TrimPrefix(parsed.Path, strings.TrimRight(base.Path, "/")), "/embed/")
	if !ok || !utils.IsCanonicalUUID(strings.TrimSuffix(id, "/")) {
		return "", errors.NewInvalidQuery("url is not an embed page URL").
			WithContext("url", rawURL)
	}
	return strings.TrimSuffix(id, "/"), nil
}

func (h *Handlers) embedIframe(id string, width, height int) string {
	return fmt.Sprintf(
		`<iframe src="%s" width="%d" height="%d" frameborder="0" allow="autoplay; encrypted-media" loading="lazy"></iframe>`,
		h.embedLink(id), width, height)
}

func (h *Handlers) oembedEndpoint() string {
	return strings.TrimRight(h.cfg.Embed.BaseURL, "/") + "/oembed"
}

// clampDimension applies an optional maxwidth/maxheight to the native size.
func clampDimension(raw string, native int) int {
	if raw == "" {
		return native
	}
	max, err := strconv.Atoi(raw)
	if err != nil || max < 1 {
		return native
	}
	if max < native {
		return max
	}
	return native
}
