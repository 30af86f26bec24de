package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (tracking.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: every gateway call is serialized and the pragmas below stick.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetOwner(ctx context.Context, id int64) (tracking.Owner, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return tracking.Owner{}, err
	}
	defer func() { _ = tx.Rollback() }()

	o, err := scanOwner(tx.QueryRowContext(ctx,
		`SELECT id, email, credential, state FROM owners WHERE id = ?`, id))
	if err != nil {
		return tracking.Owner{}, err
	}
	o.Objects, err = trackedNames(ctx, tx, id)
	if err != nil {
		return tracking.Owner{}, err
	}
	return o, tx.Commit()
}

func (s *sqliteStore) CreateOwner(ctx context.Context, id int64) (tracking.Owner, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners(id, state, created_at) VALUES(?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, string(tracking.StateInitial), time.Now().UnixMilli(),
	)
	if err != nil {
		return tracking.Owner{}, err
	}
	return s.GetOwner(ctx, id)
}

func (s *sqliteStore) ListRunningOwners(ctx context.Context) ([]tracking.Owner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.email, o.credential, o.state, t.name
		   FROM owners o JOIN tracked_objects t ON t.owner_id = o.id
		  WHERE o.state = ?
		  ORDER BY o.id, t.name`,
		string(tracking.StateRunning),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tracking.Owner
	for rows.Next() {
		var (
			id                int64
			email, cred       sql.NullString
			state, objectName string
		)
		if err := rows.Scan(&id, &email, &cred, &state, &objectName); err != nil {
			return nil, err
		}
		if n := len(out); n == 0 || out[n-1].ID != id {
			out = append(out, tracking.Owner{
				ID:         id,
				Email:      email.String,
				Credential: cred.String,
				State:      tracking.State(state),
			})
		}
		last := &out[len(out)-1]
		last.Objects = append(last.Objects, objectName)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetOwnerState(ctx context.Context, id int64, st tracking.State) error {
	return s.updateOwner(ctx, `UPDATE owners SET state = ? WHERE id = ?`, string(st), id)
}

func (s *sqliteStore) SetOwnerEmail(ctx context.Context, id int64, email string) error {
	return s.updateOwner(ctx, `UPDATE owners SET email = ? WHERE id = ?`, nullStr(email), id)
}

func (s *sqliteStore) SetOwnerCredential(ctx context.Context, id int64, blob string) error {
	return s.updateOwner(ctx, `UPDATE owners SET credential = ? WHERE id = ?`, nullStr(blob), id)
}

func (s *sqliteStore) updateOwner(ctx context.Context, q string, v any, id int64) error {
	res, err := s.db.ExecContext(ctx, q, v, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("owner %d: %w", id, tracking.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) TrackedObjects(ctx context.Context, id int64) ([]string, error) {
	return trackedNames(ctx, s.db, id)
}

func (s *sqliteStore) AddTrackedObject(ctx context.Context, id int64, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM owners WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("owner %d: %w", id, tracking.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tracked_objects(owner_id, name, added_at) VALUES(?, ?, ?)
		 ON CONFLICT(owner_id, name) DO NOTHING`,
		id, name, time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) RemoveTrackedObject(ctx context.Context, id int64, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tracked_objects WHERE owner_id = ? AND name = ?`, id, name)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("object %q of owner %d: %w", name, id, tracking.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM samples WHERE owner_id = ? AND object = ?`, id, name); err != nil {
		return err
	}
	return tx.Commit()
}

const sampleCols = `owner_id, object, lat, lon, ts, charging, battery, accuracy_m, address, full_name`

func (s *sqliteStore) LastSample(ctx context.Context, id int64, name string) (tracking.Sample, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sampleCols+` FROM samples
		  WHERE owner_id = ? AND object = ?
		  ORDER BY ts DESC, id DESC LIMIT 1`,
		id, name,
	)
	smp, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Sample{}, false, nil
	}
	if err != nil {
		return tracking.Sample{}, false, err
	}
	return smp, true, nil
}

func (s *sqliteStore) AppendSample(ctx context.Context, smp tracking.Sample) error {
	ts := smp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO samples(`+sampleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		smp.OwnerID, smp.Object, smp.Latitude, smp.Longitude, ts.UnixMilli(),
		smp.Charging, smp.Battery, smp.AccuracyM, nullStr(smp.Address), nullStr(smp.FullName),
	)
	return err
}

func (s *sqliteStore) Samples(ctx context.Context, id int64, name string, from, to time.Time) ([]tracking.Sample, error) {
	upper := int64(1<<63 - 1)
	if !to.IsZero() {
		upper = to.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleCols+` FROM samples
		  WHERE owner_id = ? AND object = ? AND ts >= ? AND ts < ?
		  ORDER BY ts, id`,
		id, name, from.UnixMilli(), upper,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tracking.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM samples WHERE ts < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryContext(ctx context.Context, q string, args ...any) (*sql.Rows, error)
}

func scanOwner(row rowScanner) (tracking.Owner, error) {
	var (
		o           tracking.Owner
		email, cred sql.NullString
		state       string
	)
	err := row.Scan(&o.ID, &email, &cred, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return tracking.Owner{}, tracking.ErrNotFound
	}
	if err != nil {
		return tracking.Owner{}, err
	}
	o.Email = email.String
	o.Credential = cred.String
	o.State = tracking.State(state)
	return o, nil
}

func scanSample(row rowScanner) (tracking.Sample, error) {
	var (
		smp           tracking.Sample
		ts            int64
		addr, fullNam sql.NullString
	)
	if err := row.Scan(&smp.OwnerID, &smp.Object, &smp.Latitude, &smp.Longitude, &ts,
		&smp.Charging, &smp.Battery, &smp.AccuracyM, &addr, &fullNam); err != nil {
		return tracking.Sample{}, err
	}
	smp.Timestamp = time.UnixMilli(ts).UTC()
	smp.Address = addr.String
	smp.FullName = fullNam.String
	return smp, nil
}

func trackedNames(ctx context.Context, q queryer, id int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM tracked_objects WHERE owner_id = ? ORDER BY name`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
