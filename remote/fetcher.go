// Package remote fetches assets from the assets origin.
package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ShoshinNikita/sceneview/pkg/metrics"
	"github.com/ShoshinNikita/sceneview/pkg/misc"
	"github.com/ShoshinNikita/sceneview/pkg/rlog"
	"github.com/ShoshinNikita/sceneview/sceneview"
)

const bodyPrefixSize = 50

var ErrAssetTooLarge = errors.New("asset is too large")

// Fetcher downloads assets over HTTP. It implements [sceneview.Fetcher].
type Fetcher struct {
	httpClient *http.Client
	origin     *url.URL
	maxSize    int64
}

var _ sceneview.Fetcher = (*Fetcher)(nil)

// NewFetcher returns a new Fetcher. maxSize limits the size of a decoded asset, 0 means no limit.
func NewFetcher(origin string, timeout time.Duration, maxSize int64) (*Fetcher, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("invalid assets origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid assets origin: unsupported scheme %q", u.Scheme)
	}

	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		origin:  u,
		maxSize: maxSize,
	}, nil
}

// Fetch downloads an asset. All errors are [*sceneview.NetworkError].
func (f *Fetcher) Fetch(ctx context.Context, assetPath string) (_ []byte, err error) {
	now := time.Now()
	defer func() {
		dur := time.Since(now)

		metrics.FetchResponseTime.Observe(dur.Seconds())
		if err == nil {
			rlog.Debugf("asset %q was fetched in %s", assetPath, dur)
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin.JoinPath(sceneview.EscapeAssetPath(assetPath)).String(), nil)
	if err != nil {
		return nil, &sceneview.NetworkError{Path: assetPath, Err: fmt.Errorf("couldn't prepare request: %w", err)}
	}
	// Go's transport doesn't decompress the body when Accept-Encoding is set manually.
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &sceneview.NetworkError{Path: assetPath, Err: err}
	}
	defer resp.Body.Close()

	metrics.FetchResponseStatuses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyPrefix := make([]byte, bodyPrefixSize)
		n, _ := io.ReadFull(resp.Body, bodyPrefix)
		bodyPrefix = bodyPrefix[:n]

		return nil, &sceneview.NetworkError{
			Path:       assetPath,
			StatusCode: resp.StatusCode,
			BodyPrefix: string(bodyPrefix),
		}
	}

	data, err := f.readBody(resp)
	if err != nil {
		// The response itself was successful, so the status isn't the cause.
		return nil, &sceneview.NetworkError{Path: assetPath, Err: err}
	}

	metrics.FetchedAssetSizes.Observe(float64(len(data)))

	return data, nil
}

func (f *Fetcher) readBody(resp *http.Response) ([]byte, error) {
	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gzipReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("couldn't decompress body: %w", err)
		}
		defer gzipReader.Close()

		body = gzipReader
	}
	if f.maxSize > 0 {
		body = io.LimitReader(body, f.maxSize+1)
	}

	var buf bytes.Buffer
	if resp.ContentLength > 0 && (f.maxSize <= 0 || resp.ContentLength <= f.maxSize) {
		buf.Grow(int(resp.ContentLength))
	}
	if _, err := buf.ReadFrom(body); err != nil {
		return nil, fmt.Errorf("couldn't read body: %w", err)
	}
	if f.maxSize > 0 && int64(buf.Len()) > f.maxSize {
		return nil, fmt.Errorf("%w: limit is %s", ErrAssetTooLarge, misc.FormatFileSize(f.maxSize))
	}
	return buf.Bytes(), nil
}
