// Package fetch downloads audio from remote HTTP(S) sources into local
// temporary files, guarding against SSRF targets and oversized payloads.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
)

// hop-by-hop headers never forwarded to the origin. Authorization is not
// stripped; callers forward credentials deliberately.
var strippedHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
}

// Options controls a single download.
type Options struct {
	// MaxSize is the hard cap in bytes; the body read is aborted once exceeded.
	MaxSize int64
	// Headers are forwarded to the origin after hop-by-hop stripping.
	Headers map[string]string
	// Timeout bounds the whole download including the preflight.
	Timeout time.Duration
}

// Result describes a completed download.
type Result struct {
	// Path is the local temporary file holding the body. The caller owns it
	// and must remove it.
	Path string
	// Size is the number of bytes written.
	Size int64
	// ContentType is the origin's Content-Type header, possibly empty.
	ContentType string
	// Filename is derived from the final URL path, possibly empty.
	Filename string
}

// Fetcher downloads remote audio sources over HTTP(S).
type Fetcher struct {
	client *http.Client
	log    interface {
		Debug(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
	}

	// allowPrivate disables the private-address guard. Only ever set in
	// development and test configurations.
	allowPrivate bool
}

// NewFetcher creates a fetcher. When allowPrivate is false, connections to
// loopback, RFC1918, link-local and other non-global addresses are refused
// at dial time, after DNS resolution, so rebinding does not bypass the check.
func NewFetcher(allowPrivate bool) *Fetcher {
	f := &Fetcher{
		log:          logger.Named("fetch"),
		allowPrivate: allowPrivate,
	}
	dialer := &net.Dialer{
		Timeout:   60 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   f.checkAddress,
	}
	f.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   15 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return fmt.Errorf("stopped after 5 redirects")
			}
			// Redirect targets go through the same scheme and dial checks.
			if err := checkScheme(req.URL); err != nil {
				return err
			}
			return nil
		},
	}
	return f
}

// Fetch validates the URL, runs a HEAD preflight and streams the body to a
// temporary file. The returned file is the caller's to clean up.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.New(errors.KindFetchForbidden, "malformed source URL").
			WithContext("url", rawURL)
	}
	if err := checkScheme(parsed); err != nil {
		return nil, errors.New(errors.KindFetchForbidden, err.Error()).
			WithContext("url", rawURL)
	}
	if parsed.Host == "" {
		return nil, errors.New(errors.KindFetchForbidden, "source URL has no host").
			WithContext("url", rawURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// HEAD preflight: advisory size check before committing to the download.
	// Origins that reject HEAD or omit Content-Length are still fetched; the
	// mid-stream cap below is the real enforcement.
	if length, ok := f.preflight(ctx, parsed.String(), opts.Headers); ok && opts.MaxSize > 0 && length > opts.MaxSize {
		return nil, errors.New(errors.KindSizeExceeded, "source exceeds size limit").
			WithContext("content_length", length).
			WithContext("max_bytes", opts.MaxSize)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to build fetch request", err)
	}
	applyHeaders(req, opts.Headers)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.transportError(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, errors.NewFetchError(resp.StatusCode, rawURL)
	}

	tmp, err := os.CreateTemp("", "loist-fetch-*")
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "failed to create temp file", err)
	}

	written, err := copyCapped(tmp, resp.Body, opts.MaxSize)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		if kindErr, ok := errors.As(err); ok {
			return nil, kindErr
		}
		return nil, f.transportError(ctx, rawURL, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, errors.Wrap(errors.KindInternal, "failed to finalize temp file", err)
	}

	f.log.Debug("fetched source", "url", rawURL, "bytes", written,
		"content_type", resp.Header.Get("Content-Type"))

	return &Result{
		Path:        tmp.Name(),
		Size:        written,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    filenameFromURL(resp.Request.URL),
	}, nil
}

// preflight issues a HEAD request and reports the advertised Content-Length.
func (f *Fetcher) preflight(ctx context.Context, rawURL string, headers map[string]string) (int64, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, false
	}
	applyHeaders(req, headers)

	resp, err := f.client.Do(req)
	if err != nil {
		f.log.Debug("HEAD preflight failed, proceeding with GET", "url", rawURL, "error", err)
		return 0, false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, false
	}
	length, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || length <= 0 {
		return 0, false
	}
	return length, true
}

// checkAddress is the dialer control hook rejecting non-global targets.
func (f *Fetcher) checkAddress(network, address string, _ syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid dial address %q", address)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("dial target %q is not an IP", host)
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("connection to non-public address %s refused", ip)
	}
	return nil
}

// transportError classifies a transport failure as timeout or transient fetch
// failure.
func (f *Fetcher) transportError(ctx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		return errors.NewTimeout("source fetch", ctx.Err()).WithContext("url", rawURL)
	}
	if strings.Contains(err.Error(), "non-public address") {
		return errors.New(errors.KindFetchForbidden, "source resolves to a non-public address").
			WithContext("url", rawURL)
	}
	appErr := errors.Wrap(errors.KindFetchFailed, "source fetch failed", err).
		WithContext("url", rawURL)
	appErr.Transient = true
	return appErr
}

// copyCapped streams src to dst, failing once maxSize bytes are exceeded.
// Reading one byte past the cap distinguishes at-limit from over-limit.
func copyCapped(dst io.Writer, src io.Reader, maxSize int64) (int64, error) {
	if maxSize <= 0 {
		return io.Copy(dst, src)
	}
	written, err := io.Copy(dst, io.LimitReader(src, maxSize))
	if err != nil {
		return written, err
	}
	var probe [1]byte
	if n, _ := src.Read(probe[:]); n > 0 {
		return written, errors.New(errors.KindSizeExceeded, "source exceeded size limit mid-stream").
			WithContext("max_bytes", maxSize)
	}
	return written, nil
}

func checkScheme(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	}
	return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		if strippedHeaders[strings.ToLower(strings.TrimSpace(name))] {
			continue
		}
		req.Header.Set(name, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "loist-ingest/1.0")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "audio/*, */*;q=0.8")
	}
}

// filenameFromURL extracts the last path segment of the final request URL.
func filenameFromURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	name := segments[len(segments)-1]
	if decoded, err := url.PathUnescape(name); err == nil {
		return decoded
	}
	return name
}
