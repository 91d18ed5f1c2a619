// Package scan implements the directional range-scan engine of
// spec.md §4.7: walking the block chain's doubly-linked list from a
// starting point, filtering expired entries, and handing back an
// opaque continuation token so a caller can resume exactly where it
// left off without re-routing from the root map.
package scan

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/blockindex/blockindex/internal/chain"
	"go.uber.org/zap"
)

// Entry is one scanned index entry, with its still-encoded key (the
// facade decodes it back into the caller's K).
type Entry struct {
	EncodedKey string
	ExpiryMs   int64
	Digest     string
}

// Page is one batch of scan results plus however much continuation
// state is needed to fetch the next page.
type Page struct {
	Entries []Entry
	// Token is nil once the scan has exhausted its bound (or the whole
	// chain, for an unbounded scan) — spec §4.7's "scan completion".
	Token *string
}

// cursor is the continuation token's decoded form. It's marshaled to
// JSON and base64-encoded so it can travel as a single string the way
// spec §4.7 describes; decoding it reveals the parent key, block id
// and keys it carries.
type cursor struct {
	Namespace string
	Set       string
	UserKey   string
	BlockID   int64
	// AfterKey is the encoded key to resume strictly after (exclusive).
	AfterKey string
	ToKey    *string
	Backward bool
}

func encodeCursor(c cursor) string {
	b, _ := json.Marshal(c) // c is always a plain struct of scalars; Marshal cannot fail here
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(token string) (cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return cursor{}, fmt.Errorf("scan: malformed continuation token: %w", err)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return cursor{}, fmt.Errorf("scan: malformed continuation token: %w", err)
	}
	return c, nil
}

// Engine runs range scans against one block-chain engine.
type Engine struct {
	chain *chain.Engine
	log   *zap.Logger
}

// NewEngine returns a scan Engine reading blocks through c.
func NewEngine(c *chain.Engine, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{chain: c, log: log.Named("scan")}
}
