package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var (
	ErrFileURLDisabled = errors.New("file urls are disabled")
	ErrOutsideFileRoot = errors.New("file url outside the media root")
)

// HTTPFetcher downloads recordings over HTTP(S). file:// URLs are copied
// from the local filesystem, but only from below a configured media root.
type HTTPFetcher struct {
	httpClient *http.Client
	fileRoot   string
	logger     *slog.Logger
}

func NewHTTPFetcher(logger *slog.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		httpClient: &http.Client{
			// No overall timeout: recordings can be large. The job context
			// bounds the download instead.
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		logger: logger,
	}
}

// WithFileRoot allows file:// sources below root. An empty root keeps them
// disabled.
func (f *HTTPFetcher) WithFileRoot(root string) *HTTPFetcher {
	f.fileRoot = root
	return f
}

// localPath resolves a file:// path, following symlinks, and rejects
// anything that ends up outside the media root.
func (f *HTTPFetcher) localPath(p string) (string, error) {
	if f.fileRoot == "" {
		return "", ErrFileURLDisabled
	}
	root, err := filepath.Abs(f.fileRoot)
	if err != nil {
		return "", err
	}
	if root, err = filepath.EvalSymlinks(root); err != nil {
		return "", fmt.Errorf("resolve media root: %w", err)
	}
	target, err := filepath.EvalSymlinks(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideFileRoot
	}
	return target, nil
}

// Fetch writes the resource at rawURL to dest and returns its size. A
// partial file is never left at dest.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, &DownloadError{URL: rawURL, Err: err}
	}

	var body io.ReadCloser
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return 0, &DownloadError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return 0, &DownloadError{URL: rawURL, Err: fmt.Errorf("http request failed: %w", err)}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return 0, &DownloadError{URL: rawURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", snippet)}
		}
		body = resp.Body
	case "file":
		path, err := f.localPath(u.Path)
		if err != nil {
			return 0, &DownloadError{URL: rawURL, Err: err}
		}
		src, err := os.Open(path)
		if err != nil {
			return 0, &DownloadError{URL: rawURL, Err: err}
		}
		body = src
	default:
		return 0, &DownloadError{URL: rawURL, Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}
	defer body.Close()

	start := time.Now()
	n, err := writeAtomically(dest, readerWithContext(ctx, body))
	if err != nil {
		return 0, &DownloadError{URL: rawURL, Err: err}
	}

	f.logger.Debug("downloaded recording",
		"url", u.Redacted(),
		"dest", dest,
		"size", humanize.Bytes(uint64(n)),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return n, nil
}

func writeAtomically(dest string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, err
	}
	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(part)
		return 0, err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return 0, err
	}
	return n, nil
}
