package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/share-stream/backend/internal/db"
	"github.com/share-stream/backend/internal/model"
)

// generateID generates a unique ID for testing.
func generateID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// **Feature: share-stream, Property 4: document versions follow applied operations**
// For any sequence of operations applied at the current version, the document
// ends at version 1+n and OpsSince(1) returns exactly those operations in order.
func TestDocumentVersionHistoryProperty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "document_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db.ResetDB()
	testDB, err := db.InitDB(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer db.ResetDB()

	repo := NewDocumentRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("applied operations advance the version and are recorded in order", prop.ForAll(
		func(values []int64) bool {
			docID := generateID()
			if err := repo.Create(ctx, &model.Document{Collection: "docs", ID: docID, Data: json.RawMessage(`{}`)}); err != nil {
				t.Logf("failed to create document: %v", err)
				return false
			}
			defer repo.Delete(ctx, "docs", docID)

			for i, value := range values {
				op := model.Operation{Merge: map[string]json.RawMessage{
					"n": json.RawMessage(strconv.FormatInt(value, 10)),
				}}
				doc, err := repo.ApplyOp(ctx, "docs", docID, int64(i+1), op)
				if err != nil {
					t.Logf("op %d failed: %v", i, err)
					return false
				}
				if doc.Version != int64(i+2) {
					t.Logf("op %d: version %d", i, doc.Version)
					return false
				}
			}

			doc, err := repo.Get(ctx, "docs", docID)
			if err != nil || doc.Version != int64(len(values)+1) {
				return false
			}

			ops, err := repo.OpsSince(ctx, "docs", docID, 1)
			if err != nil || len(ops) != len(values) {
				return false
			}
			for i, op := range ops {
				if op.Version != int64(i+1) || string(op.Op.Merge["n"]) != strconv.FormatInt(values[i], 10) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64()),
	))

	// **Feature: share-stream, Property 5: stale operations never apply**
	properties.Property("an operation at any other version conflicts and leaves the document unchanged", prop.ForAll(
		func(offset int64, value string) bool {
			docID := generateID()
			if err := repo.Create(ctx, &model.Document{Collection: "docs", ID: docID, Data: json.RawMessage(`"initial"`)}); err != nil {
				return false
			}
			defer repo.Delete(ctx, "docs", docID)

			set, _ := json.Marshal(value)
			current, err := repo.ApplyOp(ctx, "docs", docID, 1+offset, model.Operation{Set: set})
			if !errors.Is(err, model.ErrVersionConflict) || current == nil || current.Version != 1 {
				t.Logf("expected conflict at offset %d, got %v", offset, err)
				return false
			}

			doc, err := repo.Get(ctx, "docs", docID)
			if err != nil || doc.Version != 1 || string(doc.Data) != `"initial"` {
				return false
			}

			ops, err := repo.OpsSince(ctx, "docs", docID, 0)
			return err == nil && len(ops) == 0
		},
		gen.Int64Range(-5, 5).SuchThat(func(v int64) bool { return v != 0 }),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
