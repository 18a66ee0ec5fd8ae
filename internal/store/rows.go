package store

import (
	"context"
	"fmt"
	"strings"
)

// Row is one result row keyed by column name.
type Row map[string]any

// SelectWhere returns rows from table matching every key/value pair in
// where (AND semantics). limit <= 0 means no limit. A nil or empty where
// selects the whole table.
func (s *Store) SelectWhere(ctx context.Context, table string, where map[string]any, limit int) ([]Row, error) {
	if err := validIdent(table); err != nil {
		return nil, err
	}

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT * FROM %s", table)
	if len(where) > 0 {
		clauses := make([]string, 0, len(where))
		for _, col := range sortedKeys(where) {
			if err := validIdent(col); err != nil {
				return nil, err
			}
			clauses = append(clauses, col+" = ?")
			args = append(args, where[col])
		}
		sb.WriteString(" WHERE " + strings.Join(clauses, " AND "))
	}
	if limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// InsertRow inserts fields into table and returns the new rowid (only
// meaningful for integer-keyed tables).
func (s *Store) InsertRow(ctx context.Context, table string, fields map[string]any) (int64, error) {
	if err := validIdent(table); err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return 0, fmt.Errorf("insert into %s: no fields", table)
	}

	cols := sortedKeys(fields)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return 0, err
		}
		placeholders[i] = "?"
		args[i] = fields[col]
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, _ = res.LastInsertId()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("insert %s: %w", table, err)
	}
	return id, nil
}

// UpdateRow updates the row identified by pkValues (positional, matching
// the table's discovered primary key columns) with the given fields.
func (s *Store) UpdateRow(ctx context.Context, table string, pkValues []any, fields map[string]any) error {
	if err := validIdent(table); err != nil {
		return err
	}
	if len(fields) == 0 {
		return fmt.Errorf("update %s: no fields", table)
	}
	pks, err := s.primaryKeys(ctx, table)
	if err != nil {
		return err
	}
	if len(pks) == 0 {
		return fmt.Errorf("update %s: table has no primary key", table)
	}
	if len(pkValues) != len(pks) {
		return fmt.Errorf("update %s: got %d key values, want %d (%s)",
			table, len(pkValues), len(pks), strings.Join(pks, ", "))
	}

	cols := sortedKeys(fields)
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(pks))
	for i, col := range cols {
		if err := validIdent(col); err != nil {
			return err
		}
		sets[i] = col + " = ?"
		args = append(args, fields[col])
	}
	wheres := make([]string, len(pks))
	for i, col := range pks {
		wheres[i] = col + " = ?"
		args = append(args, pkValues[i])
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		table, strings.Join(sets, ", "), strings.Join(wheres, " AND "))

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", table, err)
		}
		return nil
	})
}

// DeleteRow removes the row identified by pkValues. Deleting a row that
// does not exist is not an error.
func (s *Store) DeleteRow(ctx context.Context, table string, pkValues []any) error {
	if err := validIdent(table); err != nil {
		return err
	}
	pks, err := s.primaryKeys(ctx, table)
	if err != nil {
		return err
	}
	if len(pks) == 0 {
		return fmt.Errorf("delete %s: table has no primary key", table)
	}
	if len(pkValues) != len(pks) {
		return fmt.Errorf("delete %s: got %d key values, want %d (%s)",
			table, len(pkValues), len(pks), strings.Join(pks, ", "))
	}

	wheres := make([]string, len(pks))
	args := make([]any, len(pks))
	for i, col := range pks {
		wheres[i] = col + " = ?"
		args[i] = pkValues[i]
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE %s", table, strings.Join(wheres, " AND "))
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
		return nil
	})
}
