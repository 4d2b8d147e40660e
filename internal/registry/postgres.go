package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq"

	"github.com/wide-ide/wide/internal/retry"
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)?$`)

// LoadPostgres reads project descriptors from a table with the columns
//
//	key text primary key, name text, folder text, extra jsonb
//
// The connection is closed before returning; the registry does not keep
// a database handle.
func LoadPostgres(ctx context.Context, databaseURL, table string) ([]*Project, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid registry table name %q", table)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Minute)

	// The database may still be starting when the server comes up.
	err = retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
		return retry.Transient(db.PingContext(ctx))
	})
	if err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return queryProjects(ctx, db, table)
}

func queryProjects(ctx context.Context, db *sql.DB, table string) ([]*Project, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT key, COALESCE(name, ''), COALESCE(folder, ''), COALESCE(extra::text, '{}') FROM `+table+` ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var (
			p     Project
			extra string
		)
		if err := rows.Scan(&p.Key, &p.Name, &p.Folder, &extra); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(extra), &fields); err != nil {
			return nil, fmt.Errorf("project %q extra: %w", p.Key, err)
		}
		delete(fields, "name")
		delete(fields, "folder")
		if len(fields) > 0 {
			p.Extra = fields
		}
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}
