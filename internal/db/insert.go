package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// InsertConfig describes an insert that must not overwrite existing rows.
type InsertConfig struct {
	Table        string
	Columns      []string
	ConflictKeys []string
	// Returning lists the columns read back for each row actually inserted.
	Returning []string
}

// InsertIgnore stages rows in a temp table via COPY, then inserts them into
// the target with ON CONFLICT DO NOTHING. scan is called once per inserted
// row with the Returning columns. Rows that collide with an existing key are
// skipped and never reported.
func InsertIgnore(ctx context.Context, pool Pool, cfg InsertConfig, rows [][]any, scan func(pgx.Rows) error) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: insert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: insert: no conflict keys specified")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: insert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tmp := "_tmp_insert_" + strings.ReplaceAll(cfg.Table, ".", "_")
	create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tmp}.Sanitize(), identifier(cfg.Table).Sanitize())
	if _, err := tx.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "db: insert: create temp table for %s", cfg.Table)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: insert: COPY into temp table for %s", cfg.Table)
	}

	cols := quoteAndJoin(cfg.Columns)
	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		identifier(cfg.Table).Sanitize(), cols, cols, pgx.Identifier{tmp}.Sanitize(), quoteAndJoin(cfg.ConflictKeys))

	var n int64
	if len(cfg.Returning) == 0 || scan == nil {
		tag, err := tx.Exec(ctx, sql)
		if err != nil {
			return 0, eris.Wrapf(err, "db: insert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		n = tag.RowsAffected()
	} else {
		out, err := tx.Query(ctx, sql+" RETURNING "+quoteAndJoin(cfg.Returning))
		if err != nil {
			return 0, eris.Wrapf(err, "db: insert: INSERT ON CONFLICT for %s", cfg.Table)
		}
		for out.Next() {
			if err := scan(out); err != nil {
				out.Close()
				return 0, eris.Wrapf(err, "db: insert: scan returning for %s", cfg.Table)
			}
			n++
		}
		out.Close()
		if err := out.Err(); err != nil {
			return 0, eris.Wrapf(err, "db: insert: returning rows for %s", cfg.Table)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: insert: commit tx")
	}
	return n, nil
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
