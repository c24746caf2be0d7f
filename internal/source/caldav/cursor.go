package caldav

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/njoerd114/calrelay/internal/model"
)

// cursorVersion is bumped whenever the token layout changes. Tokens of
// another version are treated as expired.
const cursorVersion = 1

// snapshot maps event UID to the ETag of the object holding it.
type snapshot map[string]string

type cursorToken struct {
	Version int      `json:"v"`
	ETags   snapshot `json:"etags"`
}

func encodeCursor(s snapshot) (model.Cursor, error) {
	if s == nil {
		s = snapshot{}
	}
	b, err := json.Marshal(cursorToken{Version: cursorVersion, ETags: s})
	if err != nil {
		return model.Cursor{}, fmt.Errorf("encoding cursor: %w", err)
	}
	return model.Cursor{SyncToken: base64.RawURLEncoding.EncodeToString(b)}, nil
}

// decodeCursor returns nil for a nil cursor. An unreadable token wraps
// model.ErrCursorExpired so the pass restarts from scratch.
func decodeCursor(c *model.Cursor) (snapshot, error) {
	if c == nil {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(c.SyncToken)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable cursor: %v", model.ErrCursorExpired, err)
	}
	var tok cursorToken
	if err := json.Unmarshal(b, &tok); err != nil {
		return nil, fmt.Errorf("%w: unparsable cursor: %v", model.ErrCursorExpired, err)
	}
	if tok.Version != cursorVersion {
		return nil, fmt.Errorf("%w: cursor version %d, want %d", model.ErrCursorExpired, tok.Version, cursorVersion)
	}
	if tok.ETags == nil {
		tok.ETags = snapshot{}
	}
	return tok.ETags, nil
}

// changed reports whether uid must be re-read given the previous snapshot.
func (s snapshot) changed(uid, etag string) bool {
	prev, ok := s[uid]
	return !ok || prev != etag || etag == ""
}

// removed lists the UIDs of prev missing from next, sorted.
func removed(prev, next snapshot) []string {
	var out []string
	for uid := range prev {
		if _, ok := next[uid]; !ok {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}
