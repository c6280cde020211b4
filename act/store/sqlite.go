package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store using the pure-Go modernc.org/sqlite
// driver (no CGO), following graph/store/sqlite.go's connection and
// WAL-mode setup.
//
// Schema:
//   - act_model:   deployed workflow documents
//   - act_proc:    process rows
//   - act_task:    task rows
//   - act_message: outstanding/closed user messages
//   - act_act:     append-only action audit trail
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path and
// migrates its schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS act_model (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			size INTEGER NOT NULL,
			time INTEGER NOT NULL,
			doc TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS act_proc (
			id TEXT NOT NULL PRIMARY KEY,
			model_id TEXT NOT NULL,
			doc TEXT NOT NULL,
			state TEXT NOT NULL,
			vars TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS act_task (
			id TEXT NOT NULL PRIMARY KEY,
			pid TEXT NOT NULL,
			tid TEXT NOT NULL,
			kind TEXT NOT NULL,
			nid TEXT NOT NULL,
			state TEXT NOT NULL,
			uid TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_act_task_pid ON act_task(pid)`,
		`CREATE TABLE IF NOT EXISTS act_message (
			id TEXT NOT NULL PRIMARY KEY,
			pid TEXT NOT NULL,
			tid TEXT NOT NULL,
			uid TEXT NOT NULL,
			state TEXT NOT NULL,
			vars TEXT NOT NULL,
			create_time INTEGER NOT NULL,
			update_time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_act_message_pid ON act_message(pid)`,
		`CREATE TABLE IF NOT EXISTS act_act (
			id TEXT NOT NULL PRIMARY KEY,
			pid TEXT NOT NULL,
			tid TEXT NOT NULL,
			action TEXT NOT NULL,
			time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_act_act_pid ON act_act(pid)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) Models() DataSet[Model] {
	return &sqlModelSet{db: s.db}
}
func (s *SQLiteStore) Procs() DataSet[Proc] {
	return &sqlProcSet{db: s.db}
}
func (s *SQLiteStore) Tasks() DataSet[Task] {
	return &sqlTaskSet{db: s.db}
}
func (s *SQLiteStore) Messages() DataSet[Message] {
	return &sqlMessageSet{db: s.db}
}
func (s *SQLiteStore) Acts() DataSet[Act] {
	return &sqlActSet{db: s.db}
}

// buildWhere renders a Query as a "WHERE ... LIMIT ..." SQL fragment plus its
// bound args, in filter declaration order.
func buildWhere(q Query) (string, []any) {
	if len(q.filters) == 0 && q.limit == 0 {
		return "", nil
	}
	var sb strings.Builder
	args := make([]any, 0, len(q.filters))
	if len(q.filters) > 0 {
		sb.WriteString(" WHERE ")
		for i, f := range q.filters {
			if i > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString(f.key)
			sb.WriteString(" = ?")
			args = append(args, f.val)
		}
	}
	if q.limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", q.limit))
	}
	return sb.String(), args
}

type sqlModelSet struct{ db *sql.DB }

func (s *sqlModelSet) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM act_model WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlModelSet) Find(ctx context.Context, id string) (Model, error) {
	var m Model
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, size, time, doc FROM act_model WHERE id = ?`, id)
	if err := row.Scan(&m.ID, &m.Name, &m.Version, &m.Size, &m.Time, &m.Doc); err != nil {
		if err == sql.ErrNoRows {
			return Model{}, ErrNotFound
		}
		return Model{}, err
	}
	return m, nil
}

func (s *sqlModelSet) Query(ctx context.Context, q Query) ([]Model, error) {
	where, args := buildWhere(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, version, size, time, doc FROM act_model`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Model
	for rows.Next() {
		var m Model
		if err := rows.Scan(&m.ID, &m.Name, &m.Version, &m.Size, &m.Time, &m.Doc); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlModelSet) Create(ctx context.Context, m Model) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO act_model(id, name, version, size, time, doc) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Version, m.Size, m.Time, m.Doc)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqlModelSet) Update(ctx context.Context, m Model) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE act_model SET name=?, version=?, size=?, time=?, doc=? WHERE id=?`,
		m.Name, m.Version, m.Size, m.Time, m.Doc, m.ID)
	return checkAffected(res, err)
}

func (s *sqlModelSet) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM act_model WHERE id = ?`, id)
	return checkAffected(res, err)
}

type sqlProcSet struct{ db *sql.DB }

func (s *sqlProcSet) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM act_proc WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlProcSet) Find(ctx context.Context, id string) (Proc, error) {
	var p Proc
	row := s.db.QueryRowContext(ctx,
		`SELECT id, model_id, doc, state, vars, start_time, end_time FROM act_proc WHERE id = ?`, id)
	if err := row.Scan(&p.ID, &p.ModelID, &p.Doc, &p.State, &p.Vars, &p.StartTime, &p.EndTime); err != nil {
		if err == sql.ErrNoRows {
			return Proc{}, ErrNotFound
		}
		return Proc{}, err
	}
	return p, nil
}

func (s *sqlProcSet) Query(ctx context.Context, q Query) ([]Proc, error) {
	where, args := buildWhere(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_id, doc, state, vars, start_time, end_time FROM act_proc`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Proc
	for rows.Next() {
		var p Proc
		if err := rows.Scan(&p.ID, &p.ModelID, &p.Doc, &p.State, &p.Vars, &p.StartTime, &p.EndTime); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlProcSet) Create(ctx context.Context, p Proc) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO act_proc(id, model_id, doc, state, vars, start_time, end_time) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ModelID, p.Doc, p.State, p.Vars, p.StartTime, p.EndTime)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqlProcSet) Update(ctx context.Context, p Proc) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE act_proc SET model_id=?, doc=?, state=?, vars=?, start_time=?, end_time=? WHERE id=?`,
		p.ModelID, p.Doc, p.State, p.Vars, p.StartTime, p.EndTime, p.ID)
	return checkAffected(res, err)
}

func (s *sqlProcSet) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM act_proc WHERE id = ?`, id)
	return checkAffected(res, err)
}

type sqlTaskSet struct{ db *sql.DB }

func (s *sqlTaskSet) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM act_task WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlTaskSet) Find(ctx context.Context, id string) (Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pid, tid, kind, nid, state, uid, start_time, end_time FROM act_task WHERE id = ?`, id)
	if err := row.Scan(&t.ID, &t.PID, &t.TID, &t.Kind, &t.NID, &t.State, &t.UID, &t.StartTime, &t.EndTime); err != nil {
		if err == sql.ErrNoRows {
			return Task{}, ErrNotFound
		}
		return Task{}, err
	}
	return t, nil
}

func (s *sqlTaskSet) Query(ctx context.Context, q Query) ([]Task, error) {
	where, args := buildWhere(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pid, tid, kind, nid, state, uid, start_time, end_time FROM act_task`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.PID, &t.TID, &t.Kind, &t.NID, &t.State, &t.UID, &t.StartTime, &t.EndTime); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlTaskSet) Create(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO act_task(id, pid, tid, kind, nid, state, uid, start_time, end_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PID, t.TID, t.Kind, t.NID, t.State, t.UID, t.StartTime, t.EndTime)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqlTaskSet) Update(ctx context.Context, t Task) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE act_task SET kind=?, nid=?, state=?, uid=?, start_time=?, end_time=? WHERE id=?`,
		t.Kind, t.NID, t.State, t.UID, t.StartTime, t.EndTime, t.ID)
	return checkAffected(res, err)
}

func (s *sqlTaskSet) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM act_task WHERE id = ?`, id)
	return checkAffected(res, err)
}

type sqlMessageSet struct{ db *sql.DB }

func (s *sqlMessageSet) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM act_message WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlMessageSet) Find(ctx context.Context, id string) (Message, error) {
	var m Message
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pid, tid, uid, state, vars, create_time, update_time FROM act_message WHERE id = ?`, id)
	if err := row.Scan(&m.ID, &m.PID, &m.TID, &m.UID, &m.State, &m.Vars, &m.CreateTime, &m.UpdateTime); err != nil {
		if err == sql.ErrNoRows {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return m, nil
}

func (s *sqlMessageSet) Query(ctx context.Context, q Query) ([]Message, error) {
	where, args := buildWhere(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pid, tid, uid, state, vars, create_time, update_time FROM act_message`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.PID, &m.TID, &m.UID, &m.State, &m.Vars, &m.CreateTime, &m.UpdateTime); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlMessageSet) Create(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO act_message(id, pid, tid, uid, state, vars, create_time, update_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.PID, m.TID, m.UID, m.State, m.Vars, m.CreateTime, m.UpdateTime)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqlMessageSet) Update(ctx context.Context, m Message) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE act_message SET state=?, vars=?, update_time=? WHERE id=?`,
		m.State, m.Vars, m.UpdateTime, m.ID)
	return checkAffected(res, err)
}

func (s *sqlMessageSet) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM act_message WHERE id = ?`, id)
	return checkAffected(res, err)
}

type sqlActSet struct{ db *sql.DB }

func (s *sqlActSet) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM act_act WHERE id = ?`, id).Scan(&n)
	return n > 0, err
}

func (s *sqlActSet) Find(ctx context.Context, id string) (Act, error) {
	var a Act
	row := s.db.QueryRowContext(ctx, `SELECT id, pid, tid, action, time FROM act_act WHERE id = ?`, id)
	if err := row.Scan(&a.ID, &a.PID, &a.TID, &a.Action, &a.Time); err != nil {
		if err == sql.ErrNoRows {
			return Act{}, ErrNotFound
		}
		return Act{}, err
	}
	return a, nil
}

func (s *sqlActSet) Query(ctx context.Context, q Query) ([]Act, error) {
	where, args := buildWhere(q)
	rows, err := s.db.QueryContext(ctx, `SELECT id, pid, tid, action, time FROM act_act`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Act
	for rows.Next() {
		var a Act
		if err := rows.Scan(&a.ID, &a.PID, &a.TID, &a.Action, &a.Time); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlActSet) Create(ctx context.Context, a Act) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO act_act(id, pid, tid, action, time) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.PID, a.TID, a.Action, a.Time)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *sqlActSet) Update(ctx context.Context, a Act) error {
	res, err := s.db.ExecContext(ctx, `UPDATE act_act SET action=?, time=? WHERE id=?`, a.Action, a.Time, a.ID)
	return checkAffected(res, err)
}

func (s *sqlActSet) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM act_act WHERE id = ?`, id)
	return checkAffected(res, err)
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
