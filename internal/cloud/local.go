package cloud

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// ArtifactsPrefix is the URL path under which LocalStore serves files.
const ArtifactsPrefix = "/artifacts/"

var (
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrURLExpired       = errors.New("signed url expired")
)

// LocalStore keeps artifacts on the local filesystem and signs download
// URLs with HMAC-SHA256. It is also the http.Handler for those URLs.
type LocalStore struct {
	root    string
	baseURL string
	secret  []byte
	now     func() time.Time
	logger  *slog.Logger
}

// NewLocalStore stores files under root. An empty secret generates a
// random one, which invalidates URLs on restart.
func NewLocalStore(root, baseURL, secret string, logger *slog.Logger) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
		logger.Warn("no signing secret configured, download links will not survive a restart")
	}

	return &LocalStore{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  key,
		now:     time.Now,
		logger:  logger,
	}, nil
}

func (s *LocalStore) path(key string) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	dest, err := s.path(key)
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return &UploadError{Key: key, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, readerWithContext(ctx, r))
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &UploadError{Key: key, Err: err}
	}
	if size >= 0 && n != size {
		return &UploadError{Key: key, Err: fmt.Errorf("short write: %d of %d bytes", n, size)}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return &UploadError{Key: key, Err: err}
	}

	s.logger.Info("stored artifact", "key", key, "size", humanize.Bytes(uint64(n)), "content_type", contentType)
	return nil
}

func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(cleaned, expires))
	return s.baseURL + ArtifactsPrefix + cleaned + "?" + q.Encode(), nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes the object. Deleting a missing object is not an error.
func (s *LocalStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Best effort: drop the now-empty per-job directory.
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the signature and expiry of a signed request.
func (s *LocalStore) Verify(key, expires, sig string) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	want := s.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrSignatureInvalid
	}
	if s.now().Unix() > exp {
		return ErrURLExpired
	}
	return nil
}

// ServeHTTP serves a signed artifact URL. Range requests are supported.
func (s *LocalStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, err := cleanKey(strings.TrimPrefix(r.URL.Path, ArtifactsPrefix))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	switch err := s.Verify(key, q.Get("expires"), q.Get("sig")); {
	case errors.Is(err, ErrURLExpired):
		http.Error(w, "link expired", http.StatusGone)
		return
	case err != nil:
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	p, _ := s.path(key)
	f, err := os.Open(p)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(p)))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
