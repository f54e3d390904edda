package pipeline

import (
	"errors"
	"fmt"
)

var ErrEmptyCollection = errors.New("collection is empty, process a file first")

// IndexError reports the first embedding or storage failure of an indexing
// run. Documents upserted before the failure stay in the collection.
type IndexError struct {
	Path    string
	Indexed int
	Err     error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("failed to index %s after %d documents: %v", e.Path, e.Indexed, e.Err)
}

func (e *IndexError) Unwrap() error {
	return e.Err
}

type RetrievalError struct {
	Collection string
	Err        error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("failed to retrieve from %s: %v", e.Collection, e.Err)
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}
