// Package store provides the JSON document database used to persist media
// entities, with an embedded Badger backend and a DynamoDB backend.
//
// Both backends implement [DocumentStore]:
//
//   - documents are map-shaped JSON with reserved "_id", "_rev" and "type"
//   - every write assigns a new revision "N-hash"; Put must present the
//     current revision or fail with [ErrConflict]
//   - writes are atomic per document, including their index entries
//   - Find evaluates a [Selector] of equality and $in conditions on dotted
//     paths, served by the widest declared [Index] it covers, else by the
//     type index, else by a scan
//
// # DynamoDB layout
//
// Documents live in the items table (hash key "_id", GSI on "type"). Each
// declared index writes entries to the lookup table (hash key "pk", range
// key "id"); the document keeps the list of its entries in "_idx" so an
// update can remove stale ones in the same transaction.
//
// # Errors
//
//   - [ErrNotFound] - no document with that id
//   - [ErrConflict] - stale revision or id already taken
//   - [ErrInvalidDocument] - missing type, bad id, unencodable value
//   - [ErrClosed] - store already closed
package store
