//go:build sqlite_fts5

package index

import (
	"context"
	"testing"
)

func TestFTS5_TableExists(t *testing.T) {
	db := testDB(t)
	var count int
	if err := db.conn.QueryRow(`SELECT count(*) FROM pages_fts`).Scan(&count); err != nil {
		t.Fatalf("pages_fts table missing: %v", err)
	}
}

func TestFTS5_SearchWithSnippet(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	row := PageRow{Path: "fts.md", Title: "FTS Page", Checksum: "f1", Tags: []string{"search"}}
	if err := db.UpsertPage(ctx, row, "Shared pages support powerful full-text search."); err != nil {
		t.Fatalf("UpsertPage: %v", err)
	}

	results, err := db.Search(ctx, "powerful", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Path != "fts.md" {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Snippet == "" {
		t.Error("expected non-empty snippet")
	}
}

func TestFTS5_UpsertReplacesContent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_ = db.UpsertPage(ctx, PageRow{Path: "evo.md", Title: "Old", Checksum: "1"}, "original text")
	_ = db.UpsertPage(ctx, PageRow{Path: "evo.md", Title: "New", Checksum: "2"}, "replacement text")

	if results, _ := db.Search(ctx, "original", 10); len(results) != 0 {
		t.Error("old FTS content should be gone")
	}
	results, _ := db.Search(ctx, "replacement", 10)
	if len(results) != 1 || results[0].Title != "New" {
		t.Errorf("FTS not updated: %+v", results)
	}
	_ = db.DeletePage(ctx, "evo.md")
	if results, _ := db.Search(ctx, "replacement", 10); len(results) != 0 {
		t.Error("deleted page still in FTS index")
	}
}
