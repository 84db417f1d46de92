package model

import "errors"

var (
	// ErrDocumentNotFound is returned when a document does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrDocumentExists is returned when creating a document that already exists.
	ErrDocumentExists = errors.New("document already exists")

	// ErrVersionConflict is returned when an operation targets a stale version.
	ErrVersionConflict = errors.New("version mismatch")

	// ErrInvalidKey is returned when a collection or document id is missing.
	ErrInvalidKey = errors.New("collection and document id are required")

	// ErrInvalidOp is returned when an operation is neither a set nor a merge.
	ErrInvalidOp = errors.New("operation must contain exactly one of set or merge")

	// ErrNotObject is returned when merging into a document that is not an object.
	ErrNotObject = errors.New("document is not an object")
)
