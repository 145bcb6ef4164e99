package download

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/pkg/errors"
)

// getFTP mirrors the HTTP protocol for ftp:// URLs. FTP always allows
// restarting a transfer at an offset, so every attempt resumes from
// filepos via RETR with a REST offset.
func getFTP(ctx context.Context, u *url.URL, tmp *os.File, opts Options) error {
	log := slog.Default().With("component", "download", "url", u.String())

	addr := u.Host
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}
	path := u.Path

	var (
		filepos      int64
		filesize     int64 = -1
		lastProgress int
	)

	for attempt := 1; filesize < 0 || filepos < filesize; attempt++ {
		if attempt > opts.Tries {
			return errors.Wrapf(ErrFailed,
				"%s: exhausted %d tries at offset %d of %d",
				u, opts.Tries, filepos, filesize)
		}

		if wait := opts.Backoff(attempt - 1 - lastProgress); attempt > 1 && wait > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrapf(ErrFailed, "%s: %v", u, ctx.Err())
			case <-time.After(wait):
			}
		}

		n, err := ftpAttempt(addr, path, tmp, filepos, &filesize, opts)
		filepos += n
		if n > 0 {
			lastProgress = attempt
		}
		if err != nil {
			log.Debug("attempt failed", "attempt", attempt,
				"got", filepos, "want", filesize, "error", err)
			continue
		}

		if filesize < 0 && opts.Verifier != nil && opts.Verifier(tmp) {
			return nil
		}
	}

	if opts.Verifier != nil && !opts.Verifier(tmp) {
		return errors.Wrapf(ErrFailed, "%s: content verification failed", u)
	}
	return nil
}

func ftpAttempt(addr, path string, tmp *os.File, offset int64, filesize *int64, opts Options) (int64, error) {
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(opts.Timeout))
	if err != nil {
		return 0, err
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return 0, err
	}

	if *filesize < 0 {
		if size, err := conn.FileSize(path); err == nil {
			*filesize = size
		}
	}

	if offset == 0 {
		if err := truncate(tmp); err != nil {
			return 0, err
		}
	}

	resp, err := conn.RetrFrom(path, uint64(offset))
	if err != nil {
		return 0, err
	}
	defer resp.Close()

	return io.Copy(tmp, resp)
}

// ListFTP returns the names in an FTP directory, used by sources that
// index their catalog by listing the upstream tree.
func ListFTP(server, dir string, timeout Options) ([]string, error) {
	addr := server
	if !strings.Contains(addr, ":") {
		addr += ":21"
	}

	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(timeout.withDefaults().Timeout))
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, err
	}

	return conn.NameList(dir)
}
