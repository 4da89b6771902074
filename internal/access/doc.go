// Package access holds the interfaces coedit consumes from the rest of the
// platform, the permission engine and the data-layer read path, together
// with three concrete backends.
//
// The collaboration core never evaluates permission rules. It asks a
// PermissionGate which fields an actor may read or update and which
// collections it may read, and asks a DataLayer whether an item exists and
// is readable. Everything else (row filters, presets, validation) belongs
// to the platform behind these interfaces.
//
// # Backends
//
//	Static    YAML policy file; role → collection → action → fields
//	HTTP      upstream REST API, schema cached with a TTL
//	Postgres  direct existence checks with pgx; permissions from a gate
//
// Static and HTTP implement both interfaces. Postgres implements DataLayer
// only and is paired with Static or HTTP for the gate.
package access
