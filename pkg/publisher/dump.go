package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/pgdb"
)

// ratchet is the persisted high-water mark used to refuse a dump that
// would represent a suspicious drop in canonical record count (spec.md
// §4.G step 5).
type ratchet struct {
	MaxRecordCount int64     `json:"max_record_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func ratchetPath(repoPath string) string {
	return filepath.Join(repoPath, "sql_dumps", ".record_count_ratchet")
}

func loadRatchet(repoPath string) (ratchet, error) {
	data, err := os.ReadFile(ratchetPath(repoPath))
	if err != nil {
		if os.IsNotExist(err) {
			return ratchet{}, nil
		}
		return ratchet{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read record count ratchet")
	}
	var r ratchet
	if err := json.Unmarshal(data, &r); err != nil {
		return ratchet{}, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "parse record count ratchet")
	}
	return r, nil
}

func saveRatchet(repoPath string, r ratchet) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal record count ratchet")
	}
	path := ratchetPath(repoPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create sql_dumps directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write record count ratchet")
	}
	return os.Rename(tmp, path)
}

// ratchetThreshold is the minimum acceptable count before a dump is
// refused: max(max_record_count * ratchet_pct, min_records) (spec.md
// §4.G step 5). A zero MaxRecordCount (no prior dump yet) never trips.
func ratchetThreshold(r ratchet, cfg Config) int64 {
	minRecords := int64(cfg.SQLDumpMinRecs)
	threshold := int64(float64(r.MaxRecordCount) * cfg.RatchetPct)
	if threshold < minRecords {
		threshold = minRecords
	}
	return threshold
}

func tripsRatchet(count int64, r ratchet, cfg Config) bool {
	if cfg.AllowEmptySQL {
		return false
	}
	return r.MaxRecordCount > 0 && count < ratchetThreshold(r, cfg)
}

// writeSQLDump runs the ratchet check against the canonical location
// table, then invokes pg_dump and updates the latest.sql pointer and the
// ratchet itself when the new count exceeds the prior high-water mark
// (spec.md §4.G step 5). Returns false without writing anything when the
// ratchet trips.
func (p *Publisher) writeSQLDump(ctx context.Context) (bool, error) {
	count, err := pgdb.RowCount(ctx, p.DB, "location")
	if err != nil {
		return false, err
	}

	r, err := loadRatchet(p.Cfg.RepoPath)
	if err != nil {
		return false, err
	}

	if tripsRatchet(count, r, p.Cfg) {
		p.Log.WithFields(map[string]any{"count": count, "max_record_count": r.MaxRecordCount}).
			Warn("sql dump ratchet tripped, skipping dump and commit")
		return false, apperrors.NewRatchetTripped("canonical location count fell below ratchet threshold")
	}

	ts := time.Now().UTC().Format("20060102T150405Z")
	dumpDir := filepath.Join(p.Cfg.RepoPath, "sql_dumps")
	if err := os.MkdirAll(dumpDir, 0o755); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create sql_dumps directory")
	}
	dumpPath := filepath.Join(dumpDir, "pantry_pirate_radio_"+ts+".sql")

	cmd := exec.CommandContext(ctx, p.Cfg.pgDumpBin(), p.Cfg.DatabaseURL, "--no-owner", "--no-privileges")
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "pg_dump: %s", stderr.String())
	}
	if err := os.WriteFile(dumpPath, out.Bytes(), 0o644); err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write sql dump")
	}

	latestPath := filepath.Join(dumpDir, "latest.sql")
	_ = os.Remove(latestPath)
	if err := os.Symlink(filepath.Base(dumpPath), latestPath); err != nil {
		if cerr := copyFile(dumpPath, latestPath); cerr != nil {
			return false, cerr
		}
	}

	if count > r.MaxRecordCount {
		if err := saveRatchet(p.Cfg.RepoPath, ratchet{MaxRecordCount: count, UpdatedAt: time.Now().UTC()}); err != nil {
			return false, err
		}
	}

	return true, nil
}
