package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"golang.org/x/exp/slices"
)

// Querier is the subset of pgxpool.Pool used by Postgres.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres is a DataLayer reading directly from the application database.
// Row-level rules are not evaluated here: an item is readable when it exists
// and the gate grants at least one readable field on its collection.
type Postgres struct {
	db          Querier
	gate        PermissionGate
	tableSchema string
	primaryKey  string
	singletons  []string
}

// NewPostgres creates a reader over db. tableSchema is the postgres schema
// holding the collections (usually "public"); singletons lists the
// collections holding exactly one row.
func NewPostgres(db Querier, gate PermissionGate, tableSchema string, singletons []string) *Postgres {
	if tableSchema == "" {
		tableSchema = "public"
	}
	return &Postgres{
		db:          db,
		gate:        gate,
		tableSchema: tableSchema,
		primaryKey:  "id",
		singletons:  singletons,
	}
}

const schemaQuery = `SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

// Schema introspects information_schema for every table of tableSchema.
func (p *Postgres) Schema(ctx context.Context) (*Schema, error) {
	rows, err := p.db.Query(ctx, schemaQuery, p.tableSchema)
	if err != nil {
		return nil, fmt.Errorf("introspect schema: %w", err)
	}
	defer rows.Close()

	schema := &Schema{Collections: make(map[string]Collection)}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c := schema.Collections[table]
		c.Singleton = slices.Contains(p.singletons, table)
		c.Fields = append(c.Fields, column)
		schema.Collections[table] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect schema: %w", err)
	}
	return schema, nil
}

// ReadOne checks that the row with the given primary key exists.
func (p *Postgres) ReadOne(ctx context.Context, acct Accountability, collection, item string) error {
	if err := p.checkRead(ctx, acct, collection); err != nil {
		return err
	}
	table := pgx.Identifier{p.tableSchema, collection}.Sanitize()
	pk := pgx.Identifier{p.primaryKey}.Sanitize()
	return p.exists(ctx, collection, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s::text = $1)", table, pk), item)
}

// ReadSingleton checks that the singleton table holds its row.
func (p *Postgres) ReadSingleton(ctx context.Context, acct Accountability, collection string) error {
	if err := p.checkRead(ctx, acct, collection); err != nil {
		return err
	}
	if !slices.Contains(p.singletons, collection) {
		return fmt.Errorf("%s is not a singleton: %w", collection, ErrNotFound)
	}
	table := pgx.Identifier{p.tableSchema, collection}.Sanitize()
	return p.exists(ctx, collection, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", table))
}

func (p *Postgres) exists(ctx context.Context, collection, query string, args ...any) error {
	var found bool
	err := p.db.QueryRow(ctx, query, args...).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		found = false
	} else if err != nil {
		return fmt.Errorf("read %s: %w", collection, err)
	}
	if !found {
		return fmt.Errorf("read %s: %w", collection, ErrNotFound)
	}
	return nil
}

func (p *Postgres) checkRead(ctx context.Context, acct Accountability, collection string) error {
	fields, err := p.gate.AllowedFields(ctx, acct, collection, ActionRead)
	if err != nil {
		return err
	}
	if fields.Empty() {
		return fmt.Errorf("read %s: %w", collection, ErrForbidden)
	}
	return nil
}
