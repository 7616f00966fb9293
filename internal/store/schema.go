package store

import (
	"context"
	"fmt"
)

// TableSchema is the introspected shape of one table, loaded once during
// engine initialization.
type TableSchema struct {
	Schema      string
	Name        string
	Columns     []Column
	PrimaryKey  string
	ForeignKeys []ForeignKey
}

type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	HasDefault bool
}

// ForeignKey is one outgoing reference from a column of this table to the
// primary key column of another table.
type ForeignKey struct {
	Column    string
	RefSchema string
	RefTable  string
	RefColumn string
}

// LoadTableSchema reads column, primary-key and foreign-key metadata for one
// table from the information schema.
func LoadTableSchema(ctx context.Context, q Querier, schema, table string) (*TableSchema, error) {
	ts := &TableSchema{Schema: schema, Name: table}

	rows, err := q.Query(ctx, `
		SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.column_default IS NOT NULL
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query columns %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &col.HasDefault); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		ts.Columns = append(ts.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ts.Columns) == 0 {
		return nil, fmt.Errorf("table %s.%s: %w", schema, table, ErrNotFound)
	}

	pkRows, err := q.Query(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query primary key %s.%s: %w", schema, table, err)
	}
	defer pkRows.Close()
	for pkRows.Next() {
		var col string
		if err := pkRows.Scan(&col); err != nil {
			return nil, fmt.Errorf("scan primary key: %w", err)
		}
		// Composite keys are not supported; the first column wins.
		if ts.PrimaryKey == "" {
			ts.PrimaryKey = col
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := q.Query(ctx, `
		SELECT kcu.column_name, ccu.table_schema, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type = 'FOREIGN KEY'
		ORDER BY kcu.column_name`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys %s.%s: %w", schema, table, err)
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var fk ForeignKey
		if err := fkRows.Scan(&fk.Column, &fk.RefSchema, &fk.RefTable, &fk.RefColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		ts.ForeignKeys = append(ts.ForeignKeys, fk)
	}
	return ts, fkRows.Err()
}
