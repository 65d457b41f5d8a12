package publisher

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
)

// hsdsTables lists every table mirrored into the SQLite export, in an
// order that respects foreign-key dependency (parents before children).
var hsdsTables = []string{
	"organization",
	"organization_source",
	"location",
	"location_source",
	"service",
	"service_source",
	"service_at_location",
	"address",
	"phone",
	"schedule",
	"language",
	"accessibility",
	"organization_identifier",
	"metadata",
}

// sqliteViews are the named views spec.md §6 requires the export to
// carry, implemented as literal CREATE VIEW statements (§6 names the
// views but not their definitions).
var sqliteViews = map[string]string{
	"locations_by_scraper": `
		SELECT ls.scraper_id, l.id AS location_id, l.name AS location_name, l.latitude, l.longitude
		FROM location l JOIN location_source ls ON ls.location_id = l.id`,
	"multi_source_locations": `
		SELECT location_id, COUNT(DISTINCT scraper_id) AS source_count
		FROM location_source GROUP BY location_id HAVING COUNT(DISTINCT scraper_id) > 1`,
	"location_with_services": `
		SELECT l.id AS location_id, l.name AS location_name, s.id AS service_id, s.name AS service_name
		FROM location l
		JOIN service_at_location sal ON sal.location_id = l.id
		JOIN service s ON s.id = sal.service_id`,
	"organization_with_services": `
		SELECT o.id AS organization_id, o.name AS organization_name, s.id AS service_id, s.name AS service_name
		FROM organization o JOIN service s ON s.organization_id = o.id`,
	"service_with_locations": `
		SELECT s.id AS service_id, s.name AS service_name, l.id AS location_id, l.name AS location_name
		FROM service s
		JOIN service_at_location sal ON sal.service_id = s.id
		JOIN location l ON l.id = sal.location_id`,
}

// exportSQLite rebuilds sqlite/pantry_pirate_radio.sqlite from the
// current database state, mirroring every HSDS table column-for-column
// and creating the named views (spec.md §4.G step 6).
func (p *Publisher) exportSQLite(ctx context.Context) error {
	dir := filepath.Join(p.Cfg.RepoPath, "sqlite")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create sqlite export directory")
	}
	path := filepath.Join(dir, "pantry_pirate_radio.sqlite")
	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)

	out, err := sql.Open("sqlite3", tmpPath)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "open sqlite export file")
	}
	defer out.Close()

	for _, table := range hsdsTables {
		if err := exportTable(ctx, p.DB.DB, out, table); err != nil {
			return err
		}
	}
	for name, def := range sqliteViews {
		if _, err := out.ExecContext(ctx, fmt.Sprintf("CREATE VIEW %s AS %s", name, def)); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeStorage, "create sqlite view %s", name)
		}
	}

	if err := out.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "close sqlite export")
	}
	return os.Rename(tmpPath, path)
}

// exportTable reflects table's columns from postgres via its result set
// metadata and recreates it in sqlite as a flat TEXT-typed table, then
// copies every row. Foreign keys and constraints are intentionally
// dropped: the export exists for read-only analysis, not for replaying
// writes.
func exportTable(ctx context.Context, src *sql.DB, dst *sql.DB, table string) error {
	rows, err := src.QueryContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeStorage, "read %s for sqlite export", table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read column metadata")
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
		placeholders[i] = "?"
	}
	createSQL := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(quoted, ", "))
	if _, err := dst.ExecContext(ctx, createSQL); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeStorage, "create sqlite table %s", table)
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeStorage, "scan row from %s", table)
		}
		if _, err := dst.ExecContext(ctx, insertSQL, values...); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeStorage, "insert row into sqlite %s", table)
		}
	}
	return rows.Err()
}
