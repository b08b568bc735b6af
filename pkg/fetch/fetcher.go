// Package fetch moves one remote artifact through the
// download-if-needed, verify, extract-if-needed sequence.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/warptools/datman/dmapi"
	"github.com/warptools/datman/pkg/logging"
)

// Fetcher transfers the bytes of a URL to a local path.
// There is no resumption: a failed transfer restarts from zero.
type Fetcher interface {
	Fetch(ctx context.Context, rawUrl string, dest string) error
}

// ForURL selects a fetcher by URL scheme.
//
// Errors:
//
//    - datman-error-config -- when the scheme maps to no known fetcher
func ForURL(rawUrl string) (Fetcher, error) {
	u, err := url.Parse(rawUrl)
	if err != nil {
		return nil, dmapi.ErrorConfig("cannot parse artifact url: "+rawUrl,
			[2]string{"url", rawUrl})
	}
	switch u.Scheme {
	case "http", "https":
		return &HTTPFetcher{}, nil
	case "s3":
		return &S3Fetcher{}, nil
	}
	return nil, dmapi.ErrorConfig("no fetcher for url scheme "+u.Scheme,
		[2]string{"url", rawUrl}, [2]string{"scheme", u.Scheme})
}

// HTTPFetcher downloads over plain HTTP(S).
type HTTPFetcher struct {
	// Client to use for requests.  http.DefaultClient when nil.
	Client *http.Client
}

// Fetch performs a blocking GET of rawUrl into dest, creating or truncating it.
// Progress is reported through the context logger.
//
// Errors:
//
//    - datman-error-fetch -- when the request fails or reports a non-2xx status
//    - datman-error-io -- when the destination file cannot be written
func (f *HTTPFetcher) Fetch(ctx context.Context, rawUrl string, dest string) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawUrl, nil)
	if err != nil {
		return dmapi.ErrorFetch(rawUrl, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return dmapi.ErrorFetch(rawUrl, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return dmapi.ErrorFetch(rawUrl, fmt.Errorf("server responded %s", resp.Status))
	}

	out, err := os.Create(dest)
	if err != nil {
		return dmapi.ErrorIo("cannot create download file", dest, err)
	}
	defer out.Close()

	logger := logging.Ctx(ctx)
	meter := newProgressMeter(logger, rawUrl, resp.ContentLength)
	if _, err := io.Copy(out, io.TeeReader(resp.Body, meter)); err != nil {
		return dmapi.ErrorFetch(rawUrl, err)
	}
	meter.done()
	if err := out.Sync(); err != nil {
		return dmapi.ErrorIo("cannot sync download file", dest, err)
	}
	return nil
}

// progressMeter renders transfer progress through the logger's info writer in
// coarse steps, so a long download produces a handful of lines rather than a
// scrolling wall.
type progressMeter struct {
	w       io.Writer
	tag     string
	total   int64 // -1 when the server sent no content length.
	seen    int64
	lastPct int64
}

func newProgressMeter(logger logging.Logger, rawUrl string, total int64) *progressMeter {
	tag := rawUrl
	if i := strings.LastIndex(rawUrl, "/"); i >= 0 && i < len(rawUrl)-1 {
		tag = rawUrl[i+1:]
	}
	logger.Info("fetch", "downloading %s", rawUrl)
	return &progressMeter{w: logger.InfoWriter("fetch"), tag: tag, total: total, lastPct: -1}
}

func (m *progressMeter) Write(data []byte) (int, error) {
	m.seen += int64(len(data))
	if m.total > 0 {
		pct := m.seen * 100 / m.total
		if pct/10 > m.lastPct/10 {
			m.lastPct = pct
			fmt.Fprintf(m.w, "%s: %d%% (%d/%d bytes)", m.tag, pct, m.seen, m.total)
		}
	}
	return len(data), nil
}

func (m *progressMeter) done() {
	fmt.Fprintf(m.w, "%s: %d bytes transferred", m.tag, m.seen)
}
