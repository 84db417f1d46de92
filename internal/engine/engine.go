// Package engine serves a small JSON document protocol over stream.Duplex
// connections.
//
// Every peer is greeted with an init message and may then create, fetch,
// subscribe to and modify documents. Operations are versioned: an operation
// applies only at the current version of its document, is persisted, and is
// broadcast to the other subscribers of the document.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/share-stream/backend/internal/metrics"
	"github.com/share-stream/backend/internal/model"
	"github.com/share-stream/backend/internal/stream"
)

// DefaultOpHistory is the number of operations kept in memory per document.
const DefaultOpHistory = 256

var (
	// ErrInvalidRequest fails a connection that sends something other than a JSON object.
	ErrInvalidRequest = errors.New("request must be a JSON object")

	errUnknownAction   = errors.New("unknown action")
	errVersionRequired = errors.New("v is required")
	errOpRequired      = errors.New("op is required")
	errInternal        = errors.New("internal error")
)

// Store is the persistence the Engine needs.
type Store interface {
	Create(ctx context.Context, doc *model.Document) error
	Get(ctx context.Context, collection, id string) (*model.Document, error)
	Delete(ctx context.Context, collection, id string) error
	ApplyOp(ctx context.Context, collection, id string, version int64, op model.Operation) (*model.Document, error)
	OpsSince(ctx context.Context, collection, id string, from int64) ([]*model.Op, error)
}

// Config holds configuration for the Engine.
type Config struct {
	OpHistory int
	Logger    logr.Logger
}

// Engine serves documents to connected peers.
type Engine struct {
	store     Store
	hubs      *HubManager
	logger    logr.Logger
	opHistory int

	// opMu orders apply, history and broadcast of operations.
	opMu    sync.Mutex
	history map[DocKey]*Ring[*model.Op]
}

// New creates a new Engine.
func New(store Store, cfg Config) *Engine {
	if cfg.OpHistory <= 0 {
		cfg.OpHistory = DefaultOpHistory
	}
	if cfg.Logger.GetSink() == nil {
		cfg.Logger = logr.Discard()
	}

	return &Engine{
		store:     store,
		hubs:      NewHubManager(cfg.Logger),
		logger:    cfg.Logger.WithName("engine"),
		opHistory: cfg.OpHistory,
		history:   make(map[DocKey]*Ring[*model.Op]),
	}
}

// Hubs returns the subscriptions of the Engine.
func (e *Engine) Hubs() *HubManager {
	return e.hubs
}

// Serve handles the requests of one peer until its input ends. Cancelling
// ctx ends the duplex gracefully.
func (e *Engine) Serve(ctx context.Context, duplex stream.Duplex, remoteAddr string) error {
	peer := newPeer(uuid.New().String(), remoteAddr, duplex)
	log := e.logger.WithValues("peer", peer.id, "remote", remoteAddr)
	defer e.unsubscribeAll(peer)

	if err := peer.Send(InitMessage{Action: ActionInit, Protocol: Protocol, ID: peer.id}); err != nil {
		return fmt.Errorf("failed to send init message: %w", err)
	}
	log.V(1).Info("peer connected")

	for {
		v, err := duplex.Read(ctx)
		if errors.Is(err, io.EOF) {
			log.V(1).Info("peer disconnected")
			return nil
		}
		if err != nil {
			if endErr := duplex.End(); endErr != nil {
				log.Error(endErr, "failed to end stream")
			}
			return err
		}

		// Liveness probes from clients decode to null.
		if v == nil {
			continue
		}

		obj, ok := v.(map[string]any)
		if !ok {
			log.Info("protocol violation, failing connection", "type", fmt.Sprintf("%T", v))
			metrics.ObserveEngineOp("invalid", "error")
			duplex.Fail(ErrInvalidRequest)
			continue
		}

		req, err := decodeRequest(obj)
		if err != nil {
			action, _ := obj["a"].(string)
			e.reply(log, peer, Reply{Action: action, Error: fmt.Sprintf("invalid request: %v", err)})
			metrics.ObserveEngineOp(action, "error")
			continue
		}

		e.handle(ctx, log, peer, req)
	}
}

func (e *Engine) handle(ctx context.Context, log logr.Logger, peer *Peer, req *Request) {
	var reply Reply
	var err error

	switch req.Action {
	case ActionCreate:
		reply, err = e.create(ctx, req)
	case ActionFetch:
		reply, err = e.fetch(ctx, req)
	case ActionSub:
		reply, err = e.subscribe(ctx, peer, req)
	case ActionUnsub:
		reply, err = e.unsubscribe(peer, req)
	case ActionOp:
		reply, err = e.applyOp(ctx, peer, req)
	case ActionOps:
		reply, err = e.ops(ctx, req)
	default:
		err = errUnknownAction
	}

	result := "ok"
	if err != nil {
		result = "error"
		if errors.Is(err, model.ErrVersionConflict) {
			result = "conflict"
		}
		reply.Action = req.Action
		reply.Collection = req.Collection
		reply.Doc = req.Doc
		reply.Error = e.errorMessage(log, err)
	}
	metrics.ObserveEngineOp(req.Action, result)
	log.V(1).Info("handled request", "action", req.Action, "collection", req.Collection, "doc", req.Doc, "result", result)

	e.reply(log, peer, reply)
}

func (e *Engine) reply(log logr.Logger, peer *Peer, reply Reply) {
	if err := peer.Send(reply); err != nil {
		log.V(1).Info("failed to reply", "action", reply.Action, "error", err.Error())
	}
}

// errorMessage returns the text sent to the peer for err.
func (e *Engine) errorMessage(log logr.Logger, err error) string {
	for _, known := range []error{
		model.ErrDocumentNotFound,
		model.ErrDocumentExists,
		model.ErrVersionConflict,
		model.ErrInvalidKey,
		model.ErrInvalidOp,
		model.ErrNotObject,
		errUnknownAction,
		errVersionRequired,
		errOpRequired,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	log.Error(err, "request failed")
	return errInternal.Error()
}

func (e *Engine) create(ctx context.Context, req *Request) (Reply, error) {
	if err := model.ValidateKey(req.Collection, req.Doc); err != nil {
		return Reply{}, err
	}

	doc := &model.Document{
		Collection: req.Collection,
		ID:         req.Doc,
		Version:    1,
		Data:       req.Data,
	}
	if err := e.store.Create(ctx, doc); err != nil {
		return Reply{}, err
	}

	return Reply{
		Action:     ActionCreate,
		Collection: doc.Collection,
		Doc:        doc.ID,
		Version:    versionPtr(doc.Version),
	}, nil
}

func (e *Engine) fetch(ctx context.Context, req *Request) (Reply, error) {
	if err := model.ValidateKey(req.Collection, req.Doc); err != nil {
		return Reply{}, err
	}

	doc, err := e.store.Get(ctx, req.Collection, req.Doc)
	if err != nil {
		return Reply{}, err
	}
	return snapshotReply(ActionFetch, doc), nil
}

func (e *Engine) subscribe(ctx context.Context, peer *Peer, req *Request) (Reply, error) {
	reply, err := e.fetch(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	key := DocKey{Collection: req.Collection, ID: req.Doc}
	e.hubs.Subscribe(key, peer)
	peer.subs[key] = struct{}{}

	reply.Action = ActionSub
	return reply, nil
}

func (e *Engine) unsubscribe(peer *Peer, req *Request) (Reply, error) {
	if err := model.ValidateKey(req.Collection, req.Doc); err != nil {
		return Reply{}, err
	}

	key := DocKey{Collection: req.Collection, ID: req.Doc}
	e.hubs.Unsubscribe(key, peer)
	delete(peer.subs, key)

	return Reply{Action: ActionUnsub, Collection: req.Collection, Doc: req.Doc}, nil
}

func (e *Engine) applyOp(ctx context.Context, peer *Peer, req *Request) (Reply, error) {
	if err := model.ValidateKey(req.Collection, req.Doc); err != nil {
		return Reply{}, err
	}
	if req.Version == nil {
		return Reply{}, errVersionRequired
	}
	if req.Op == nil {
		return Reply{}, errOpRequired
	}

	e.opMu.Lock()
	defer e.opMu.Unlock()

	version := *req.Version
	doc, err := e.store.ApplyOp(ctx, req.Collection, req.Doc, version, *req.Op)
	if errors.Is(err, model.ErrVersionConflict) && doc != nil {
		return Reply{Version: versionPtr(doc.Version)}, err
	}
	if err != nil {
		return Reply{}, err
	}

	key := DocKey{Collection: req.Collection, ID: req.Doc}
	e.historyFor(key).Push(&model.Op{
		Collection: req.Collection,
		DocID:      req.Doc,
		Version:    version,
		Op:         *req.Op,
		CreatedAt:  doc.UpdatedAt,
	})

	if hub := e.hubs.Get(key); hub != nil {
		hub.Broadcast(Reply{
			Action:     ActionOp,
			Collection: req.Collection,
			Doc:        req.Doc,
			Version:    versionPtr(version),
			Op:         req.Op,
			Source:     peer.id,
		}, peer)
	}

	return Reply{
		Action:     ActionOp,
		Collection: req.Collection,
		Doc:        req.Doc,
		Version:    versionPtr(version),
	}, nil
}

func (e *Engine) ops(ctx context.Context, req *Request) (Reply, error) {
	if err := model.ValidateKey(req.Collection, req.Doc); err != nil {
		return Reply{}, err
	}
	if req.Version == nil {
		return Reply{}, errVersionRequired
	}

	ops, err := e.OpsSince(ctx, req.Collection, req.Doc, *req.Version)
	if err != nil {
		return Reply{}, err
	}

	entries := make([]OpEntry, 0, len(ops))
	for _, op := range ops {
		entries = append(entries, OpEntry{Version: op.Version, Op: op.Op})
	}

	return Reply{
		Action:     ActionOps,
		Collection: req.Collection,
		Doc:        req.Doc,
		Version:    versionPtr(*req.Version),
		Ops:        entries,
	}, nil
}

// OpsSince returns the operations applied to versions from onward. They come
// from the in-memory history when it reaches back far enough, else from the store.
func (e *Engine) OpsSince(ctx context.Context, collection, id string, from int64) ([]*model.Op, error) {
	key := DocKey{Collection: collection, ID: id}

	e.opMu.Lock()
	ring, ok := e.history[key]
	e.opMu.Unlock()

	if ok {
		if oldest, found := ring.Oldest(); found && oldest.Version <= from {
			var ops []*model.Op
			for _, op := range ring.Items() {
				if op.Version >= from {
					ops = append(ops, op)
				}
			}
			return ops, nil
		}
	}

	return e.store.OpsSince(ctx, collection, id, from)
}

// DeleteDocument deletes a document, drops its history and notifies its subscribers.
func (e *Engine) DeleteDocument(ctx context.Context, collection, id string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.store.Delete(ctx, collection, id); err != nil {
		return err
	}

	key := DocKey{Collection: collection, ID: id}
	delete(e.history, key)

	if hub := e.hubs.Get(key); hub != nil {
		hub.Broadcast(Reply{Action: ActionDelete, Collection: collection, Doc: id}, nil)
	}
	return nil
}

// historyFor returns the history ring of a document. Callers hold opMu.
func (e *Engine) historyFor(key DocKey) *Ring[*model.Op] {
	ring, ok := e.history[key]
	if !ok {
		ring = NewRing[*model.Op](e.opHistory)
		e.history[key] = ring
	}
	return ring
}

func (e *Engine) unsubscribeAll(peer *Peer) {
	for key := range peer.subs {
		e.hubs.Unsubscribe(key, peer)
	}
	peer.subs = make(map[DocKey]struct{})
}

func snapshotReply(action string, doc *model.Document) Reply {
	return Reply{
		Action:     action,
		Collection: doc.Collection,
		Doc:        doc.ID,
		Version:    versionPtr(doc.Version),
		Data:       doc.Data,
	}
}
