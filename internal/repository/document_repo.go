package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/share-stream/backend/internal/model"
)

// DocumentRepository provides data access for documents and their operations.
type DocumentRepository struct {
	db *sql.DB
}

// NewDocumentRepository creates a new DocumentRepository.
func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create inserts a new document.
func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := model.ValidateKey(doc.Collection, doc.ID); err != nil {
		return err
	}

	data := doc.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}

	query := `
		INSERT INTO documents (collection, id, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, query,
		doc.Collection,
		doc.ID,
		doc.Version,
		string(data),
		doc.CreatedAt,
		doc.UpdatedAt,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return model.ErrDocumentExists
		}
		return fmt.Errorf("failed to create document: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*model.Document, error) {
	doc := &model.Document{}
	var data string
	err := row.Scan(
		&doc.Collection,
		&doc.ID,
		&doc.Version,
		&data,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// Get retrieves a document.
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*model.Document, error) {
	query := `
		SELECT collection, id, version, data, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`

	doc, err := scanDocument(r.db.QueryRowContext(ctx, query, collection, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// List retrieves all documents of a collection ordered by id.
func (r *DocumentRepository) List(ctx context.Context, collection string) ([]*model.Document, error) {
	query := `
		SELECT collection, id, version, data, created_at, updated_at
		FROM documents
		WHERE collection = ?
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := []*model.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// Delete removes a document and its operations.
func (r *DocumentRepository) Delete(ctx context.Context, collection, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ops WHERE collection = ? AND doc_id = ?`, collection, id); err != nil {
		return fmt.Errorf("failed to delete operations: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrDocumentNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ApplyOp applies op to the document if it is still at version. On success
// the updated document is returned. When the version is stale the current
// document is returned together with model.ErrVersionConflict.
func (r *DocumentRepository) ApplyOp(ctx context.Context, collection, id string, version int64, op model.Operation) (*model.Document, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT collection, id, version, data, created_at, updated_at
		FROM documents
		WHERE collection = ? AND id = ?
	`

	current, err := scanDocument(tx.QueryRowContext(ctx, query, collection, id))
	if err == sql.ErrNoRows {
		return nil, model.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	if current.Version != version {
		return current, model.ErrVersionConflict
	}

	data, err := op.Apply(current.Data)
	if err != nil {
		return nil, err
	}

	opJSON, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize operation: %w", err)
	}

	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET version = version + 1, data = ?, updated_at = ?
		WHERE collection = ? AND id = ? AND version = ?
	`, string(data), now, collection, id, version)
	if err != nil {
		return nil, fmt.Errorf("failed to update document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return current, model.ErrVersionConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ops (collection, doc_id, version, op, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, collection, id, version, string(opJSON), now)
	if err != nil {
		return nil, fmt.Errorf("failed to record operation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit operation: %w", err)
	}

	current.Version = version + 1
	current.Data = data
	current.UpdatedAt = now
	return current, nil
}

// OpsSince returns the operations applied to versions from onward, oldest first.
func (r *DocumentRepository) OpsSince(ctx context.Context, collection, id string, from int64) ([]*model.Op, error) {
	query := `
		SELECT collection, doc_id, version, op, created_at
		FROM ops
		WHERE collection = ? AND doc_id = ? AND version >= ?
		ORDER BY version
	`

	rows, err := r.db.QueryContext(ctx, query, collection, id, from)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*model.Op{}
	for rows.Next() {
		op := &model.Op{}
		var opJSON string
		if err := rows.Scan(&op.Collection, &op.DocID, &op.Version, &opJSON, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		if err := json.Unmarshal([]byte(opJSON), &op.Op); err != nil {
			return nil, fmt.Errorf("failed to parse operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}
