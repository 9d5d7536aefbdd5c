// Package archive tracks per-conversation history queries: cursor-based
// backward pagination, forward catch-up after a gap, and the completion
// flags that tell the embedding client whether more fetching is needed.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/macaw-im/macaw/internal/message"
)

// PageRequest asks for a page of history older than the Before cursor.
// An empty Before means "the most recent page".
type PageRequest struct {
	Before string
	Max    int
}

// CatchUpRequest asks for messages from Since forward. After carries the
// chain cursor when a previous catch-up page reported more data; when set it
// takes precedence over Since.
type CatchUpRequest struct {
	Since time.Time
	After string
	Max   int
}

// PageResult is the shared response shape of both query directions.
// Complete is direction-relative: for a backward query it means "no older
// history exists", for a forward query "no gap remains to the present".
// The two must never be conflated — a conversation can have complete history
// and an incomplete catch-up at the same time.
type PageResult struct {
	Messages []message.Message
	Complete bool
	First    string // archive id of the oldest item in the page
	Last     string // archive id of the newest item in the page
}

// Fetcher issues archive queries against the transport. Implementations map
// the protocol-agnostic request shapes onto the real query mechanism (MAM).
type Fetcher interface {
	FetchOlder(ctx context.Context, conversation string, req PageRequest) (PageResult, error)
	FetchSince(ctx context.Context, conversation string, req CatchUpRequest) (PageResult, error)
}

// QueryError records a failed archive query. It is stored on the
// conversation's state and cleared by the next successful query in either
// direction; retry is caller-driven, never automatic.
type QueryError struct {
	Conversation string
	Direction    string // "older" or "catchup"
	Err          error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s query for %s failed: %v", e.Direction, e.Conversation, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
