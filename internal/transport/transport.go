// Package transport defines the collaborators the collection engine calls
// into: a request/response Fetcher for snapshots and mutations, and a
// realtime Channel delivering change events per topic.
//
// Implementations live in subpackages: rest (HTTP), realtime (websocket
// channel protocol) and memory (in-process fake for tests).
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/Kaffe-diem/kaffediem/internal/codec"
	"github.com/Kaffe-diem/kaffediem/internal/ir"
)

// Query holds the filter parameters of a collection open. The same values
// are sent as REST query parameters and as realtime join options.
type Query map[string]string

// Values renders the query as URL parameters in key order.
func (q Query) Values() url.Values {
	v := make(url.Values, len(q))
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, q[k])
	}
	return v
}

// Clone returns a copy safe to retain.
func (q Query) Clone() Query {
	out := make(Query, len(q))
	for k, v := range q {
		out[k] = v
	}
	return out
}

// Fetcher performs request/response calls against the backend.
type Fetcher interface {
	// List returns every wire record of collection matching q.
	List(ctx context.Context, collection string, q Query) ([]json.RawMessage, error)
	// Create returns the created wire record.
	Create(ctx context.Context, collection string, p codec.Payload) (json.RawMessage, error)
	// Update applies a partial payload and returns the updated wire record.
	Update(ctx context.Context, collection string, id ir.RecordID, p codec.Payload) (json.RawMessage, error)
	Delete(ctx context.Context, collection string, id ir.RecordID) error
}

// Change is a raw change event pushed on a joined topic.
type Change struct {
	Action string          `json:"action"`
	Record json.RawMessage `json:"record"`
}

// Handlers receive topic traffic. They are called from the transport's
// goroutine and must not block.
type Handlers struct {
	OnChange func(Change)
	// OnClose is called once when the topic stops delivering events for
	// any reason other than Leave. err is nil for an orderly server close.
	OnClose func(err error)
}

// Subscription is a joined topic.
type Subscription interface {
	// Leave stops delivery. Calling it more than once is a no-op.
	Leave() error
}

// Channel joins realtime topics.
type Channel interface {
	// Join joins topic with params as options and returns the items mirrored
	// in the join reply. A refused or timed out join returns an error.
	Join(ctx context.Context, topic string, params Query, h Handlers) (Subscription, []json.RawMessage, error)
}

// Topic returns the realtime topic of a collection.
func Topic(collection string) string {
	return "collection:" + collection
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed: %d %s", e.Method, e.URL, e.Code, e.Body)
}

// JoinError is a join refused by the server or not answered in time.
type JoinError struct {
	Topic   string
	Reason  string
	Timeout bool
}

func (e *JoinError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("join %s: timeout", e.Topic)
	}
	return fmt.Sprintf("join %s: %s", e.Topic, e.Reason)
}
