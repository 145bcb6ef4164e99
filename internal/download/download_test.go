package download

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func noBackoff(int) time.Duration { return 0 }

func testOptions(tries int) Options {
	return Options{Tries: tries, Timeout: 5 * time.Second, Backoff: noBackoff}
}

func readAll(t *testing.T, tmp *Temp) []byte {
	t.Helper()
	data, err := io.ReadAll(tmp)
	if err != nil {
		t.Fatalf("read temp: %v", err)
	}
	return data
}

// flakyRangeServer serves content in fixed-size chunks, closing the
// connection early every time, but honours Range requests so a resuming
// client still makes progress.
func flakyRangeServer(content []byte, chunk int, requests *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*requests++

		start, end := 0, len(content)-1
		if rng := r.Header.Get("Range"); rng != "" {
			fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
			w.Header().Set("Content-Range",
				fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
			w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		}

		n := end - start + 1
		if n > chunk {
			n = chunk
		}
		w.Write(content[start : start+n])
	}
}

func TestResumableDownloadCompletes(t *testing.T) {
	content := []byte("twenty-four bytes here!!")
	if len(content) != 24 {
		t.Fatalf("fixture is %d bytes", len(content))
	}

	var requests int
	srv := httptest.NewServer(flakyRangeServer(content, 4, &requests))
	defer srv.Close()

	tmp, err := Get(context.Background(), srv.URL, testOptions(10))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer tmp.Close()

	if got := readAll(t, tmp); !bytes.Equal(got, content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}

	// 24 bytes in 4-byte chunks needs six requests when every retry
	// resumes where the last one stopped.
	if requests > 7 {
		t.Errorf("took %d requests, resumption should need at most 7", requests)
	}
}

func TestNoRangeSupportRestartsFromScratch(t *testing.T) {
	content := []byte("full body or nothing at all")

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		if requests < 3 {
			// early close; without Accept-Ranges the client cannot
			// resume, so partial content must be thrown away.
			w.Write(content[:5])
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	tmp, err := Get(context.Background(), srv.URL, testOptions(5))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer tmp.Close()

	if got := readAll(t, tmp); !bytes.Equal(got, content) {
		t.Errorf("downloaded %q, want %q", got, content)
	}
	if requests != 3 {
		t.Errorf("took %d requests, want 3", requests)
	}
}

func TestExhaustedTriesFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Get(context.Background(), srv.URL, testOptions(3))
	if !errors.Is(err, ErrFailed) {
		t.Errorf("got %v, want ErrFailed", err)
	}
}

func TestVerifierRejectsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "9")
		w.Write([]byte("not a zip"))
	}))
	defer srv.Close()

	opts := testOptions(1).WithVerifier(func(f *os.File) bool { return false })
	_, err := Get(context.Background(), srv.URL, opts)
	if !errors.Is(err, ErrFailed) {
		t.Errorf("got %v, want ErrFailed", err)
	}
}

func TestVerifierAcceptsContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := testOptions(1).WithVerifier(func(f *os.File) bool {
		f.Seek(0, io.SeekStart)
		data, err := io.ReadAll(f)
		return err == nil && string(data) == "ok"
	})
	tmp, err := Get(context.Background(), srv.URL, opts)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	tmp.Close()
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := Get(context.Background(), "gopher://example.com/file", testOptions(1))
	if !errors.Is(err, ErrFailed) {
		t.Errorf("got %v, want ErrFailed", err)
	}
}

func TestTempCloseRemovesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	tmp, err := Get(context.Background(), srv.URL, testOptions(1))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(name); !os.IsNotExist(err) {
		t.Errorf("temp file %s survived Close", name)
	}
}

func TestDefaultBackoffGrowsAndCaps(t *testing.T) {
	if got := DefaultBackoff(0); got != 0 {
		t.Errorf("backoff(0) = %v", got)
	}
	if got := DefaultBackoff(3); got != 7*time.Second {
		t.Errorf("backoff(3) = %v, want 7s", got)
	}
	if got := DefaultBackoff(60); got != 600*time.Second {
		t.Errorf("backoff(60) = %v, want the 600s cap", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(map[string]any{
		"download.tries":   5,
		"download.timeout": 30,
	})
	if opts.Tries != 5 {
		t.Errorf("tries = %d", opts.Tries)
	}
	if opts.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", opts.Timeout)
	}

	defaults := OptionsFromConfig(nil)
	if defaults.Tries != 1 || defaults.Timeout != 60*time.Second {
		t.Errorf("defaults are %+v", defaults)
	}
}
