package engine

import (
	"encoding/json"

	"github.com/share-stream/backend/internal/model"
)

// Protocol is the version announced in the init message.
const Protocol = 1

// Actions understood by the Engine.
const (
	ActionInit   = "init"
	ActionCreate = "create"
	ActionFetch  = "fetch"
	ActionSub    = "sub"
	ActionUnsub  = "unsub"
	ActionOp     = "op"
	ActionOps    = "ops"
	ActionDelete = "del"
)

// InitMessage is the first message written to every peer.
type InitMessage struct {
	Action   string `json:"a"`
	Protocol int    `json:"protocol"`
	ID       string `json:"id"`
}

// Request is a message sent by a peer.
type Request struct {
	Action     string           `json:"a"`
	Collection string           `json:"c"`
	Doc        string           `json:"d"`
	Version    *int64           `json:"v,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Op         *model.Operation `json:"op,omitempty"`
}

// Reply is a message sent to a peer, either in answer to a Request or as a
// broadcast. Version is the document version for snapshots, and the version
// an operation was applied to for op messages.
type Reply struct {
	Action     string           `json:"a"`
	Collection string           `json:"c,omitempty"`
	Doc        string           `json:"d,omitempty"`
	Version    *int64           `json:"v,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
	Op         *model.Operation `json:"op,omitempty"`
	Ops        []OpEntry        `json:"ops,omitempty"`
	Source     string           `json:"src,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// OpEntry is an operation in an ops reply.
type OpEntry struct {
	Version int64           `json:"v"`
	Op      model.Operation `json:"op"`
}

func versionPtr(v int64) *int64 {
	return &v
}

// decodeRequest converts a decoded JSON object to a Request.
func decodeRequest(obj map[string]any) (*Request, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
