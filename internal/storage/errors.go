package storage

import "errors"

var (
	ErrStoreUnreachable   = errors.New("chunk store unreachable")
	ErrDocumentNotFound   = errors.New("document not found")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrCollectionNotFound = errors.New("collection not found")
)
