// Package download streams URLs to local temporary files with
// resumable byte-range retries, exponential backoff and caller-supplied
// content verification.
package download

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tilezen/joerd/internal/check"
)

// ErrFailed is wrapped by every terminal downloader error: retries
// exhausted or verification failed.
var ErrFailed = errors.New("download failed")

// Backoff returns the sleep before attempt n following a
// non-progressing attempt.
type Backoff func(n int) time.Duration

// DefaultBackoff sleeps min(2^n - 1, 600) seconds.
func DefaultBackoff(n int) time.Duration {
	secs := (int64(1) << uint(min(n, 30))) - 1
	if secs > 600 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

// Options control a single download.
type Options struct {
	// Tries is the maximum number of attempts. Zero means one.
	Tries int
	// Timeout bounds each blocking network operation.
	Timeout time.Duration
	// Verifier, when set, must pass before the download is accepted.
	Verifier check.Verifier
	// Backoff defaults to DefaultBackoff.
	Backoff Backoff
}

func (o Options) withDefaults() Options {
	if o.Tries <= 0 {
		o.Tries = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	return o
}

// WithVerifier returns a copy of the options with the verifier set.
func (o Options) WithVerifier(v check.Verifier) Options {
	o.Verifier = v
	return o
}

// OptionsFromConfig reads the conventional download.* keys from a
// source's option map.
func OptionsFromConfig(m map[string]any) Options {
	var o Options
	if v, ok := m["download.tries"]; ok {
		if n, ok := toInt(v); ok {
			o.Tries = n
		}
	}
	if v, ok := m["download.timeout"]; ok {
		if n, ok := toInt(v); ok {
			o.Timeout = time.Duration(n) * time.Second
		}
	}
	return o.withDefaults()
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// Temp is a downloaded file. Closing it removes the underlying file,
// so the content only exists inside the caller's scope.
type Temp struct {
	*os.File
}

// Close removes the temporary file as well as closing it.
func (t *Temp) Close() error {
	err := t.File.Close()
	if rmErr := os.Remove(t.File.Name()); err == nil {
		err = rmErr
	}
	return err
}

// Get fetches url into a temporary file. On success the returned file
// is rewound to offset zero; the caller must Close it to release the
// file. A failed download never yields a file.
func Get(ctx context.Context, rawURL string, opts Options) (*Temp, error) {
	opts = opts.withDefaults()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(ErrFailed, "parse %q: %v", rawURL, err)
	}

	tmp, err := os.CreateTemp("", "joerd-download-")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		err = getHTTP(ctx, rawURL, tmp, opts)
	case "ftp":
		err = getFTP(ctx, u, tmp, opts)
	default:
		err = errors.Wrapf(ErrFailed, "unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", tmp.Name(), err)
	}
	ok = true
	return &Temp{File: tmp}, nil
}

// getHTTP runs the resumable range-request protocol: keep track of how
// many bytes we have (filepos) and how many the server says there are
// (filesize), and keep asking for the remainder until they meet.
func getHTTP(ctx context.Context, url string, tmp *os.File, opts Options) error {
	log := slog.Default().With("component", "download", "url", url)

	client := &http.Client{Timeout: opts.Timeout}

	var (
		filepos      int64
		filesize     int64 = -1
		acceptRanges bool
		verified     bool
		lastProgress int
	)

	for attempt := 1; filesize < 0 || filepos < filesize; attempt++ {
		if attempt > opts.Tries {
			return errors.Wrapf(ErrFailed,
				"%s: exhausted %d tries at offset %d of %d",
				url, opts.Tries, filepos, filesize)
		}

		if wait := opts.Backoff(attempt - 1 - lastProgress); attempt > 1 && wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return errors.Wrapf(ErrFailed, "%s: %v", url, ctx.Err())
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return errors.Wrapf(ErrFailed, "%s: %v", url, err)
		}

		resume := acceptRanges && filepos > 0 && filesize > 0
		if resume {
			req.Header.Set("Range",
				fmt.Sprintf("bytes=%d-%d", filepos, filesize-1))
		}

		resp, err := client.Do(req)
		if err != nil {
			log.Debug("attempt failed", "attempt", attempt, "error", err)
			continue
		}

		switch {
		case resume && resp.StatusCode == http.StatusPartialContent:
			// continue appending at filepos
		case resp.StatusCode == http.StatusOK:
			// full body: restart the file from scratch
			if err := truncate(tmp); err != nil {
				resp.Body.Close()
				return err
			}
			filepos = 0
			if resp.ContentLength >= 0 {
				filesize = resp.ContentLength
			}
			acceptRanges = strings.EqualFold(
				resp.Header.Get("Accept-Ranges"), "bytes")
		default:
			resp.Body.Close()
			log.Debug("attempt failed", "attempt", attempt,
				"status", resp.StatusCode)
			continue
		}

		n, err := io.Copy(tmp, resp.Body)
		resp.Body.Close()
		filepos += n
		if n > 0 {
			lastProgress = attempt
		}
		if err != nil {
			log.Debug("stream interrupted", "attempt", attempt,
				"got", filepos, "want", filesize, "error", err)
		}

		// without a size from the server, the verifier is the only
		// way to know we're done.
		if filesize < 0 && opts.Verifier != nil {
			if opts.Verifier(tmp) {
				verified = true
				break
			}
		}
	}

	if opts.Verifier != nil && !verified && !opts.Verifier(tmp) {
		return errors.Wrapf(ErrFailed, "%s: content verification failed", url)
	}
	return nil
}

func truncate(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate %s: %w", f.Name(), err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %s: %w", f.Name(), err)
	}
	return nil
}
