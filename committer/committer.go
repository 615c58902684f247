// Package committer decides when acknowledged entries are flushed to a
// backend that only persists progress in bulk.
package committer

// Committer signals on C whenever enough acknowledgements have accumulated
// to warrant a flush.
type Committer interface {
	C() <-chan struct{}
	RecordAcked(count int)
	Close()
}
