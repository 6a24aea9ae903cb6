// Package idgen is the single place that mints conversation and message ids.
// Both the Store and the Parsers need to generate ids (the Store for new
// conversations, the Parsers for each block they emit on first appearance)
// without depending on each other, so the id scheme lives here instead.
package idgen

import "github.com/oklog/ulid/v2"

// New returns a lexically sortable identifier: ULIDs sort by creation time,
// which the Store's (conversationId, timestamp) index and the
// HistoryBuffer's insertion-order tie-break both rely on.
func New() string {
	return ulid.Make().String()
}
