// SPDX-License-Identifier: MIT

// Package download streams remote videos into local staging with
// progress reporting, a size cap, and cleanup of partial artifacts.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/clipline/clipline/internal/netutil"
)

// ErrTooLarge reports a source exceeding the configured size cap.
var ErrTooLarge = errors.New("download exceeds size limit")

// Progress is one snapshot of a running download. Total is -1 when the
// source does not announce a length.
type Progress struct {
	Bytes      int64
	Total      int64
	Percentage float64
}

// Options tunes the downloader. Zero values select defaults.
type Options struct {
	MaxBytes      int64          // 0 = unlimited
	ProgressEvery time.Duration  // min interval between progress callbacks (default 500 ms)
	Policy        netutil.Policy // outbound URL policy
}

type Downloader struct {
	client *http.Client
	opts   Options
	logger zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Downloader {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 500 * time.Millisecond
	}
	if len(opts.Policy.Schemes) == 0 {
		opts.Policy = netutil.DefaultPolicy()
	}
	return &Downloader{
		// No overall client timeout: large videos take as long as they
		// take. The caller's context bounds the stage.
		client: &http.Client{
			Transport: otelhttp.NewTransport(&http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          8,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			}),
		},
		opts:   opts,
		logger: logger,
	}
}

// RewriteGS maps gs://bucket/path to the public storage endpoint, the
// anonymous-access form the original sources use.
func RewriteGS(raw string) string {
	rest, ok := strings.CutPrefix(raw, "gs://")
	if !ok {
		return raw
	}
	return "https://storage.googleapis.com/" + rest
}

// Fetch streams the URL into destPath. The write is atomic: destPath
// appears only after the whole body arrived; failures leave nothing
// behind. onProgress, when non-nil, fires at most once per
// ProgressEvery plus once at completion.
func (d *Downloader) Fetch(ctx context.Context, rawURL, destPath string, onProgress func(Progress)) (int64, error) {
	validated, err := netutil.ValidateURL(ctx, RewriteGS(rawURL), d.opts.Policy)
	if err != nil {
		return 0, fmt.Errorf("download url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validated, nil)
	if err != nil {
		return 0, fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", validated, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %d", validated, resp.StatusCode)
	}

	total := resp.ContentLength
	if d.opts.MaxBytes > 0 && total > d.opts.MaxBytes {
		return 0, fmt.Errorf("download %s: announced %d bytes: %w", validated, total, ErrTooLarge)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("create staging dir: %w", err)
	}
	pending, err := renameio.NewPendingFile(destPath, renameio.WithPermissions(0o644))
	if err != nil {
		return 0, fmt.Errorf("stage download: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck

	written, err := d.copyWithProgress(ctx, pending, resp.Body, total, onProgress)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", validated, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("finalize download: %w", err)
	}

	d.logger.Info().
		Str("url", validated).
		Str("dest", destPath).
		Int64("bytes", written).
		Msg("download complete")
	return written, nil
}

func (d *Downloader) copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress func(Progress)) (int64, error) {
	limiter := rate.NewLimiter(rate.Every(d.opts.ProgressEvery), 1)
	buf := make([]byte, 256*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if d.opts.MaxBytes > 0 && written > d.opts.MaxBytes {
				return written, fmt.Errorf("read %d bytes: %w", written, ErrTooLarge)
			}
			if onProgress != nil && limiter.Allow() {
				onProgress(snapshot(written, total))
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	if onProgress != nil {
		onProgress(snapshot(written, total))
	}
	return written, nil
}

func snapshot(written, total int64) Progress {
	p := Progress{Bytes: written, Total: total}
	if total > 0 {
		p.Percentage = float64(written) / float64(total) * 100
	}
	return p
}
