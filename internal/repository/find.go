package repository

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"
)

// findPageSize is the explicit limit of every paged _find request. Without
// one CouchDB stops after 25 documents.
const findPageSize = 200

const (
	indexDesignDoc   = "dailyvault-indexes"
	noteChangesIndex = "note-changes"
)

// noteChangesSort matches the note-changes index field order.
var noteChangesSort = []map[string]string{
	{"type": "asc"},
	{"user_id": "asc"},
	{"changed_at": "asc"},
}

// EnsureIndexes creates the Mango indexes the repositories sort on.
// CreateIndex is a no-op for an index that already exists.
func EnsureIndexes(ctx context.Context, client *kivik.Client, dbName string) error {
	db := client.DB(dbName)

	index := map[string]interface{}{
		"fields": []string{"type", "user_id", "changed_at"},
	}
	if err := db.CreateIndex(ctx, indexDesignDoc, noteChangesIndex, index); err != nil {
		return fmt.Errorf("failed to create %s index: %w", noteChangesIndex, err)
	}
	return nil
}

// findAll runs query one page at a time, following the _find bookmark
// until a short page comes back. scan is called once per document.
func findAll(ctx context.Context, db *kivik.DB, query map[string]interface{}, scan func(rows *kivik.ResultSet)) error {
	var bookmark string
	for {
		page := make(map[string]interface{}, len(query)+2)
		for k, v := range query {
			page[k] = v
		}
		page["limit"] = findPageSize
		if bookmark != "" {
			page["bookmark"] = bookmark
		}

		rows := db.Find(ctx, page)
		n := 0
		for rows.Next() {
			n++
			scan(rows)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		meta, err := rows.Metadata()
		rows.Close()
		if err != nil {
			return err
		}

		if n < findPageSize || meta.Bookmark == "" || meta.Bookmark == bookmark {
			return nil
		}
		bookmark = meta.Bookmark
	}
}
