// Package blob stores opaque payloads by id. It backs the offloading of large
// change-sets: the source side uploads, the sync side downloads.
//
// Two backends are provided: [SQLiteStore] keeps blobs next to the sink in the
// state database, and [WebDAVStore] keeps them on any WebDAV server.
package blob

import (
	"context"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"
	"time"
)

// MaxSize is the largest payload accepted by Upload.
const MaxSize = 50 << 20

// maxIDLength bounds the length of a blob id.
const maxIDLength = 255

// ErrNotFound is returned by Download and Stat for an unknown id.
var ErrNotFound = errors.New("blob not found")

// ErrInvalidUpload is returned when an upload fails validation.
var ErrInvalidUpload = errors.New("invalid upload")

// AllowedContentTypes lists the MIME types a blob may carry.
var AllowedContentTypes = []string{
	"application/json",
	"application/octet-stream",
	"application/pdf",
	"application/zip",
	"image/gif",
	"image/jpeg",
	"image/png",
	"text/calendar",
	"text/csv",
	"text/plain",
}

// dangerousPatterns may not appear in a blob id.
var dangerousPatterns = []string{"..", "~", "$", "`", "|", "&", ";", "(", ")", "{", "}", "[", "]", "/", `\`}

// Metadata describes a stored blob.
type Metadata struct {
	ID          string
	ContentType string
	Size        int64
	UploadedAt  time.Time
}

// Store is implemented by every blob backend. Uploading the same id twice
// replaces the content and is not an error, and neither is deleting an
// unknown id.
type Store interface {
	Upload(ctx context.Context, id string, data []byte, contentType string) (Metadata, error)
	Download(ctx context.Context, id string) ([]byte, error)
	Stat(ctx context.Context, id string) (Metadata, error)
	Delete(ctx context.Context, id string) error
}

// ValidateUpload checks id, payload size and content type. It returns the
// sanitised id.
func ValidateUpload(id string, data []byte, contentType string) (string, error) {
	clean, err := sanitizeID(id)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: blob %q is empty", ErrInvalidUpload, clean)
	}
	if len(data) > MaxSize {
		return "", fmt.Errorf("%w: blob %q is %d bytes, limit is %d", ErrInvalidUpload, clean, len(data), MaxSize)
	}
	if !slices.Contains(AllowedContentTypes, contentType) {
		return "", fmt.Errorf("%w: content type %q not allowed (allowed: %s)",
			ErrInvalidUpload, contentType, strings.Join(AllowedContentTypes, ", "))
	}
	return clean, nil
}

func sanitizeID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrInvalidUpload)
	}
	for _, p := range dangerousPatterns {
		if strings.Contains(id, p) {
			return "", fmt.Errorf("%w: id %q contains %q", ErrInvalidUpload, id, p)
		}
	}
	if len(id) > maxIDLength {
		return "", fmt.Errorf("%w: id longer than %d characters", ErrInvalidUpload, maxIDLength)
	}
	if path.Base(id) != id {
		return "", fmt.Errorf("%w: id %q is not a plain name", ErrInvalidUpload, id)
	}
	return id, nil
}
