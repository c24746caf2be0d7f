package transfer

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/njoerd114/calrelay/internal/blob"
	"github.com/njoerd114/calrelay/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newBlobStore(t *testing.T) *blob.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "blobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := blob.NewSQLiteStore(db, testLogger)
	require.NoError(t, err)
	return s
}

func TestAdapter_UploadFetchRoundTrip(t *testing.T) {
	store := newBlobStore(t)
	events := []model.Event{mkEvent(t, "b", 0), mkEvent(t, "a", 0)}

	for _, codec := range []Codec{JSONCodec{}, ICSCodec{}} {
		a := NewAdapter(store, codec, testLogger)
		fileID, err := a.Upload(context.Background(), "user@example.com", events)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(fileID, "calendar-events-user@example.com-"), fileID)
		assert.True(t, strings.HasSuffix(fileID, codec.Extension()), fileID)

		meta, err := store.Stat(context.Background(), fileID)
		require.NoError(t, err)
		assert.Equal(t, codec.ContentType(), meta.ContentType)

		// A reader configured with the other codec still decodes it.
		reader := NewAdapter(store, JSONCodec{}, testLogger)
		got, err := reader.Fetch(context.Background(), fileID)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, model.EventIDs(got))
	}
}

func TestAdapter_FetchMissing(t *testing.T) {
	a := NewAdapter(newBlobStore(t), nil, testLogger)
	_, err := a.Fetch(context.Background(), "calendar-events-x-missing.json")
	assert.ErrorIs(t, err, blob.ErrNotFound)
}

func TestNewFileID_SanitisesCalendar(t *testing.T) {
	id := NewFileID("team/../cal; rm -rf", ".json")
	_, err := blob.ValidateUpload(id, []byte("[]"), "application/json")
	require.NoError(t, err, id)
	assert.True(t, strings.HasPrefix(id, "calendar-events-team_._cal__rm_-rf-"), id)

	id = NewFileID(strings.Repeat("x", 400), ".ics")
	_, err = blob.ValidateUpload(id, []byte("x"), "text/calendar")
	assert.NoError(t, err)
}
