// Package migrations bundles the schema files so binaries can apply them
// without a checkout next to them.
package migrations

import "embed"

// Postgres holds the relational schema, applied in file name order.
//
//go:embed *.sql
var Postgres embed.FS

// Scylla holds the attempt journal schema.
//
//go:embed scylla/*.cql
var Scylla embed.FS
