package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Document is a versioned JSON document. Version starts at 1 on creation and
// grows by one with every applied operation.
type Document struct {
	Collection string          `json:"collection"`
	ID         string          `json:"id"`
	Version    int64           `json:"v"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ValidateKey checks that the document is addressable.
func ValidateKey(collection, id string) error {
	if collection == "" || id == "" {
		return ErrInvalidKey
	}
	return nil
}

// Operation is a change to a document: either replace the whole value with
// Set, or shallow merge the keys of Merge into an object document.
type Operation struct {
	Set   json.RawMessage            `json:"set,omitempty"`
	Merge map[string]json.RawMessage `json:"merge,omitempty"`
}

// Validate checks that exactly one of Set or Merge is present. An empty Merge
// counts as absent since it would not survive encoding.
func (o *Operation) Validate() error {
	hasSet := len(o.Set) > 0
	hasMerge := len(o.Merge) > 0
	if hasSet == hasMerge {
		return ErrInvalidOp
	}
	return nil
}

// Apply returns the result of applying the operation to data.
func (o *Operation) Apply(data json.RawMessage) (json.RawMessage, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}

	if len(o.Set) > 0 {
		return o.Set, nil
	}

	fields := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, ErrNotObject
		}
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, ErrNotObject
		}
	}

	for key, value := range o.Merge {
		fields[key] = value
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Op is an operation as applied to a document. Version is the document
// version the operation was applied to.
type Op struct {
	Collection string    `json:"collection"`
	DocID      string    `json:"doc"`
	Version    int64     `json:"v"`
	Op         Operation `json:"op"`
	CreatedAt  time.Time `json:"createdAt"`
}
