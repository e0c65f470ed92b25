package repository

import (
	"maps"

	"github.com/nimburion/docorm/pkg/docstore"
)

// Document is an entity without a schema. Every stored field lands in Fields, which makes
// it usable over any collection through NewRepositoryAt and friends.
type Document struct {
	ID     string         `doc:",id"`
	Fields map[string]any `doc:",remain"`
}

// Map returns the fields of d with the id under docstore.IDField.
func (d *Document) Map() map[string]any {
	out := make(map[string]any, len(d.Fields)+1)
	maps.Copy(out, d.Fields)
	out[docstore.IDField] = d.ID
	return out
}
