// Package media implements media-type detection by magic bytes, source
// fingerprinting for the upload cache, and proxy-aware downloads.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meowcat-dev/qtbridge/pkg/httputil"
)

// ErrFetch wraps any network failure while downloading media. It is retryable
// through the retry queue with the proxy toggle.
var ErrFetch = errors.New("media fetch failed")

// Engine performs downloads and CDN probes. The direct client deliberately
// bypasses any configured proxy: same-platform CDN downloads are faster and
// geo-appropriate without it.
type Engine struct {
	log     zerolog.Logger
	direct  *http.Client
	proxied *http.Client
}

// NewEngine builds a media engine. proxied may equal direct when no proxy is
// configured.
func NewEngine(log zerolog.Logger, direct, proxied *http.Client) *Engine {
	return &Engine{
		log:     log.With().Str("component", "media").Logger(),
		direct:  direct,
		proxied: proxied,
	}
}

// Fingerprint computes a stable cache key from a media item's source URL or
// source file-id.
func Fingerprint(urlOrFileID string) string {
	sum := sha256.Sum256([]byte(urlOrFileID))
	return hex.EncodeToString(sum[:])
}

// Download fetches url into localPath. The write goes through a scratch file
// so a partially-written file never appears under the final name.
func (e *Engine) Download(ctx context.Context, url, localPath string, useProxy bool) (string, error) {
	client := e.direct
	if useProxy {
		client = e.proxied
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: http %d", ErrFetch, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return "", err
	}
	tmp := filepath.Join(filepath.Dir(localPath), "."+uuid.NewString()+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if err := os.Rename(tmp, localPath); err != nil {
		os.Remove(tmp)
		return "", err
	}
	e.log.Debug().Str("url", url).Str("path", localPath).Bool("proxy", useProxy).Msg("Downloaded media")
	return localPath, nil
}

// ProbeResult is the outcome of sniffing a CDN URL's leading bytes.
type ProbeResult struct {
	Mime     string
	Animated bool
}

// ProbeAnimated issues a Range GET for the first 32 bytes of url and sniffs
// the magic number. The request always goes direct. On any network failure
// the result falls back to animated: if the content does have motion, sending
// it as an animation preserves it, while the reverse loses it.
func (e *Engine) ProbeAnimated(ctx context.Context, url string) ProbeResult {
	head, err := httputil.GetRange(ctx, e.direct, url, probeLen)
	if err != nil {
		e.log.Warn().Err(err).Str("url", url).Msg("Magic byte probe failed, assuming animated")
		return ProbeResult{Mime: "image/gif", Animated: true}
	}
	return ProbeResult{Mime: DetectMime(head), Animated: IsAnimated(head)}
}

// dimensionProbeLen covers the header fields DecodeConfig needs; JPEG SOF
// markers can sit after a large EXIF block.
const dimensionProbeLen = 64 * 1024

// ProbeDimensions fetches the leading bytes of url and decodes just the image
// header. Returns (0, 0) when the size cannot be determined.
func (e *Engine) ProbeDimensions(ctx context.Context, url string) (int, int) {
	head, err := httputil.GetRange(ctx, e.direct, url, dimensionProbeLen)
	if err != nil {
		e.log.Debug().Err(err).Str("url", url).Msg("Dimension probe failed")
		return 0, 0
	}
	return Dimensions(head)
}

// Recheck verifies that a cached media URL is still reachable, used when a
// fingerprint cache entry is past its recheck TTL.
func (e *Engine) Recheck(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.direct.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}
