package blackbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	_ "modernc.org/ql/driver"
)

const qlDriverName = "ql"

// The table only ever gains columns; existing columns keep their meaning.
const (
	sqlCreateTable = `CREATE TABLE IF NOT EXISTS dtc_log (
		seq int64,
		code string,
		obd_code string,
		ecu_id string,
		signal string,
		mode string,
		severity string,
		raised_at time,
		triggering_value float64,
		z_score float64,
		description string,
		boot_id string
	);`
	sqlCreateSeqIndex = `CREATE UNIQUE INDEX IF NOT EXISTS dtc_log_seq ON dtc_log (seq);`
	sqlCreateECUIndex = `CREATE INDEX IF NOT EXISTS dtc_log_ecu ON dtc_log (ecu_id);`

	sqlExists = `SELECT count(*) FROM dtc_log WHERE seq == $1;`
	sqlInsert = `INSERT INTO dtc_log (seq, code, obd_code, ecu_id, signal, mode, severity, raised_at, triggering_value, z_score, description, boot_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);`
	sqlMaxSeq = `SELECT max(seq) FROM dtc_log;`
	sqlCount  = `SELECT count(*) FROM dtc_log;`
	sqlSelect = `SELECT seq, code, obd_code, ecu_id, signal, mode, severity, raised_at, triggering_value, z_score, description, boot_id FROM dtc_log`
)

// QLStore keeps the blackbox in an embedded ql database file. Every append
// is its own committed transaction.
type QLStore struct {
	db   *sql.DB
	path string
}

// OpenQLStore opens (creating if needed) the database at path. A path with
// the memory:// scheme yields a non-durable in-memory database.
func OpenQLStore(ctx context.Context, path string) (*QLStore, error) {
	if path == "" {
		return nil, errors.New("blackbox path is empty")
	}

	db, err := sql.Open(qlDriverName, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open blackbox %s", path)
	}
	// One writer goroutine plus occasional readers; a single connection
	// keeps ql's transaction handling simple.
	db.SetMaxOpenConns(1)

	s := &QLStore{db: db, path: path}
	if err := s.exec(ctx, sqlCreateTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create dtc_log table")
	}
	if err := s.exec(ctx, sqlCreateSeqIndex); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create seq index")
	}
	if err := s.exec(ctx, sqlCreateECUIndex); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create ecu index")
	}

	return s, nil
}

func (s *QLStore) exec(ctx context.Context, query string, args ...interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *QLStore) Append(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin append")
	}

	var n int64
	if err := tx.QueryRowContext(ctx, sqlExists, int64(e.Seq)).Scan(&n); err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to check seq %d", e.Seq)
	}
	if n > 0 {
		return tx.Rollback()
	}

	_, err = tx.ExecContext(ctx, sqlInsert,
		int64(e.Seq), e.Code, e.OBDCode, e.ECUID, e.Signal, e.Mode, e.Severity,
		e.Timestamp, e.Value, e.ZScore, e.Description, e.BootID)
	if err != nil {
		tx.Rollback()
		return errors.Wrapf(err, "failed to insert seq %d", e.Seq)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrapf(err, "failed to commit seq %d", e.Seq)
	}
	return nil
}

func (s *QLStore) MaxSeq(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, sqlMaxSeq).Scan(&max); err != nil {
		return 0, errors.Wrap(err, "failed to read max seq")
	}
	if !max.Valid || max.Int64 < 0 {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

func (s *QLStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, sqlCount).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "failed to count rows")
	}
	return int(n), nil
}

func (s *QLStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		conds []string
		args  []interface{}
	)
	if f.ECUID != "" {
		args = append(args, f.ECUID)
		conds = append(conds, fmt.Sprintf("ecu_id == $%d", len(args)))
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		conds = append(conds, fmt.Sprintf("raised_at >= $%d", len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		conds = append(conds, fmt.Sprintf("raised_at < $%d", len(args)))
	}

	query := sqlSelect
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " && ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	query += ";"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query dtc_log")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e   Entry
			seq int64
		)
		if err := rows.Scan(&seq, &e.Code, &e.OBDCode, &e.ECUID, &e.Signal, &e.Mode, &e.Severity,
			&e.Timestamp, &e.Value, &e.ZScore, &e.Description, &e.BootID); err != nil {
			return nil, errors.Wrap(err, "failed to scan dtc_log row")
		}
		e.Seq = uint64(seq)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate dtc_log")
}

func (s *QLStore) Path() string {
	return s.path
}

func (s *QLStore) Close() error {
	return s.db.Close()
}
