package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/emersion/go-webdav"
)

// WebDAVConfig locates a collection on a WebDAV server.
type WebDAVConfig struct {
	// Endpoint is the server base URL, e.g. "https://dav.example.com/".
	Endpoint string

	// Collection is the directory blobs are written to, relative to Endpoint.
	Collection string

	Username string
	Password string
}

// WebDAVStore keeps blobs as files in a WebDAV collection.
type WebDAVStore struct {
	client     *webdav.Client
	collection string
	log        *slog.Logger

	mkdirMu         sync.Mutex
	collectionReady bool
}

// statusKey carries a *int through the request context. The transport stores
// the response status in it so callers can tell "missing" from other failures.
type statusKey struct{}

// contentTypeKey carries the Content-Type of an upload through the request
// context, since the client's Create does not take one.
type contentTypeKey struct{}

// authTransport adds Basic Auth, sets the upload Content-Type and records the
// response status.
type authTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if ct, ok := req.Context().Value(contentTypeKey{}).(string); ok && req.Method == http.MethodPut {
		req.Header.Set("Content-Type", ct)
	}
	if t.Username != "" {
		req.SetBasicAuth(t.Username, t.Password)
	}
	req.Header.Set("User-Agent", "calrelay/1.0")
	resp, err := t.Transport.RoundTrip(req)
	if err == nil {
		if status, ok := req.Context().Value(statusKey{}).(*int); ok {
			*status = resp.StatusCode
		}
	}
	return resp, err
}

// NewWebDAVStore creates the client. The collection is created on first use.
func NewWebDAVStore(cfg WebDAVConfig, httpClient *http.Client, logger *slog.Logger) (*WebDAVStore, error) {
	base := http.DefaultTransport
	if httpClient != nil && httpClient.Transport != nil {
		base = httpClient.Transport
	}
	hc := &http.Client{Transport: &authTransport{
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: base,
	}}
	if httpClient != nil {
		hc.Timeout = httpClient.Timeout
	}

	client, err := webdav.NewClient(hc, cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating webdav client: %w", err)
	}
	collection := "/" + strings.Trim(cfg.Collection, "/")
	return &WebDAVStore{client: client, collection: collection, log: logger}, nil
}

func (s *WebDAVStore) path(id string) string {
	return path.Join(s.collection, id)
}

// ensureCollection creates the blob collection, and any missing parent, the
// first time it is needed.
func (s *WebDAVStore) ensureCollection(ctx context.Context) error {
	s.mkdirMu.Lock()
	defer s.mkdirMu.Unlock()
	if s.collectionReady {
		return nil
	}

	dir := ""
	for _, seg := range strings.Split(strings.Trim(s.collection, "/"), "/") {
		if seg == "" {
			continue
		}
		dir += "/" + seg
		sctx, status := withStatus(ctx)
		if _, err := s.client.Stat(sctx, dir); err == nil {
			continue
		} else if *status != http.StatusNotFound {
			return fmt.Errorf("checking collection %q: %w", dir, err)
		}
		if err := s.client.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("creating collection %q: %w", dir, err)
		}
		s.log.Info("created blob collection", "collection", dir)
	}
	s.collectionReady = true
	return nil
}

// Upload writes data to <collection>/<id>, replacing any previous file.
func (s *WebDAVStore) Upload(ctx context.Context, id string, data []byte, contentType string) (Metadata, error) {
	id, err := ValidateUpload(id, data, contentType)
	if err != nil {
		return Metadata{}, err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return Metadata{}, err
	}

	w, err := s.client.Create(context.WithValue(ctx, contentTypeKey{}, contentType), s.path(id))
	if err != nil {
		return Metadata{}, fmt.Errorf("creating blob %q: %w", id, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return Metadata{}, fmt.Errorf("writing blob %q: %w", id, err)
	}
	// The PUT response is only observed on Close.
	if err := w.Close(); err != nil {
		return Metadata{}, fmt.Errorf("uploading blob %q: %w", id, err)
	}

	s.log.Debug("blob uploaded", "file_id", id, "size", len(data))
	return s.Stat(ctx, id)
}

// Download fetches <collection>/<id>.
func (s *WebDAVStore) Download(ctx context.Context, id string) ([]byte, error) {
	ctx, status := withStatus(ctx)
	rc, err := s.client.Open(ctx, s.path(id))
	if err != nil {
		if *status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("opening blob %q: %w", id, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", id, err)
	}
	if len(data) > MaxSize {
		return nil, fmt.Errorf("blob %q exceeds %d bytes", id, MaxSize)
	}
	return data, nil
}

// Stat reads size, type and modification time of <collection>/<id>.
func (s *WebDAVStore) Stat(ctx context.Context, id string) (Metadata, error) {
	ctx, status := withStatus(ctx)
	fi, err := s.client.Stat(ctx, s.path(id))
	if err != nil {
		if *status == http.StatusNotFound {
			return Metadata{}, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return Metadata{}, fmt.Errorf("stat blob %q: %w", id, err)
	}
	return Metadata{
		ID:          id,
		ContentType: fi.MIMEType,
		Size:        fi.Size,
		UploadedAt:  fi.ModTime.UTC(),
	}, nil
}

// Delete removes <collection>/<id>.
func (s *WebDAVStore) Delete(ctx context.Context, id string) error {
	ctx, status := withStatus(ctx)
	if err := s.client.RemoveAll(ctx, s.path(id)); err != nil {
		if *status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting blob %q: %w", id, err)
	}
	s.log.Debug("blob deleted", "file_id", id)
	return nil
}

func withStatus(ctx context.Context) (context.Context, *int) {
	status := new(int)
	return context.WithValue(ctx, statusKey{}, status), status
}
