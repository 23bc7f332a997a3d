package bookkeeper

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
	"github.com/micsi-dev/mercure/go/task"
)

// Time windows of the parent/child task lookups. The hierarchical archive
// view promotes an orphan study only when no patient task with the same MRN
// exists within 10 minutes before or 5 minutes after it; a patient task
// claims studies up to 5 minutes before it, and a study claims series
// within 3 seconds. The UI depends on these exact windows.
const (
	parentPreWindow    = 10 * time.Minute
	parentPostWindow   = 5 * time.Minute
	childPatientWindow = 5 * time.Minute
	childStudyWindow   = 3 * time.Second
)

// Store is the sqlite persistence behind the bookkeeper service.
type Store struct {
	db *sql.DB
}

// OpenStore opens (and if needed initializes) the bookkeeper database.
// Pass ":memory:" for an ephemeral store in tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening bookkeeper db: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bookkeeper schema: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id        TEXT PRIMARY KEY,
	parent_id TEXT,
	mrn       TEXT,
	acc       TEXT,
	scope     TEXT,
	time      TIMESTAMP,
	data      TEXT
);
CREATE TABLE IF NOT EXISTS task_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT,
	event      TEXT,
	file_count INTEGER,
	target     TEXT,
	info       TEXT,
	time       TIMESTAMP
);
CREATE TABLE IF NOT EXISTS dicom_series (
	series_uid  TEXT PRIMARY KEY,
	study_uid   TEXT,
	description TEXT,
	modality    TEXT,
	file_count  INTEGER,
	time        TIMESTAMP
);
CREATE TABLE IF NOT EXISTS processor_logs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT,
	module_name TEXT,
	logs        TEXT,
	time        TIMESTAMP
);
CREATE TABLE IF NOT EXISTS processor_outputs (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id     TEXT,
	module_name TEXT,
	idx         INTEGER,
	output      TEXT,
	time        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_mrn ON tasks (mrn, scope, time);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id, time);
`

// Close the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RegisterTask inserts or replaces a task row.
func (s *Store) RegisterTask(t *task.Task, when time.Time) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO tasks (id, parent_id, mrn, acc, scope, time, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ParentID, t.Info.MRN, t.Info.ACC, string(t.Info.UIDType), when.UTC(), string(data))
	if err != nil {
		return fmt.Errorf("registering task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTask rewrites the stored document of a known task, preserving its
// original registration time.
func (s *Store) UpdateTask(t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET parent_id = ?, mrn = ?, acc = ?, scope = ?, data = ? WHERE id = ?`,
		t.ParentID, t.Info.MRN, t.Info.ACC, string(t.Info.UIDType), string(data), t.ID)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.RegisterTask(t, time.Now())
	}
	return nil
}

// AddTaskEvent appends a task event.
func (s *Store) AddTaskEvent(ev TaskEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO task_events (task_id, event, file_count, target, info, time) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.Event, ev.FileCount, ev.Target, ev.Info, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("recording task event: %w", err)
	}
	return nil
}

// AddSeriesEvent records (or refreshes) a received series.
func (s *Store) AddSeriesEvent(ev SeriesEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO dicom_series (series_uid, study_uid, description, modality, file_count, time)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.SeriesUID, ev.StudyUID, ev.Description, ev.Modality, ev.FileCount, ev.Time.UTC())
	if err != nil {
		return fmt.Errorf("recording series event: %w", err)
	}
	return nil
}

// AddProcessLogs stores the captured logs of a module run.
func (s *Store) AddProcessLogs(l ProcessLogs) error {
	if l.Time.IsZero() {
		l.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO processor_logs (task_id, module_name, logs, time) VALUES (?, ?, ?, ?)`,
		l.TaskID, l.ModuleName, l.Logs, l.Time.UTC())
	if err != nil {
		return fmt.Errorf("recording process logs: %w", err)
	}
	return nil
}

// AddProcessorOutput stores the structured result of a module run.
func (s *Store) AddProcessorOutput(o ProcessorOutput) error {
	if o.Time.IsZero() {
		o.Time = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO processor_outputs (task_id, module_name, idx, output, time) VALUES (?, ?, ?, ?, ?)`,
		o.TaskID, o.ModuleName, o.Index, string(o.Output), o.Time.UTC())
	if err != nil {
		return fmt.Errorf("recording processor output: %w", err)
	}
	return nil
}

// TaskRow is one archived task as surfaced by queries.
type TaskRow struct {
	ID       string          `json:"id"`
	ParentID string          `json:"parent_id,omitempty"`
	MRN      string          `json:"mrn"`
	ACC      string          `json:"acc"`
	Scope    string          `json:"scope"`
	Time     time.Time       `json:"time"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func scanTaskRows(rows *sql.Rows) ([]TaskRow, error) {
	defer rows.Close()
	var out []TaskRow
	for rows.Next() {
		var r TaskRow
		var data string
		if err := rows.Scan(&r.ID, &r.ParentID, &r.MRN, &r.ACC, &r.Scope, &r.Time, &data); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetTaskInfo returns a single archived task.
func (s *Store) GetTaskInfo(id string) (*TaskRow, error) {
	rows, err := s.db.Query(
		`SELECT id, IFNULL(parent_id, ''), IFNULL(mrn, ''), IFNULL(acc, ''), IFNULL(scope, ''), time, IFNULL(data, '')
		 FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying task %s: %w", id, err)
	}
	out, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

// GetChildTasks returns the children of a task: explicit parent_id matches,
// plus same-MRN tasks of the next aggregation level down within the child
// time window (5 minutes before a patient task, 3 seconds around a study).
func (s *Store) GetChildTasks(id string) ([]TaskRow, error) {
	parent, err := s.GetTaskInfo(id)
	if err != nil {
		return nil, err
	}

	var childScope string
	var lower, upper time.Time
	switch parent.Scope {
	case "patient":
		childScope = "study"
		lower, upper = parent.Time.Add(-childPatientWindow), parent.Time
	case "study":
		childScope = "series"
		lower, upper = parent.Time.Add(-childStudyWindow), parent.Time.Add(childStudyWindow)
	default:
		childScope = "" // Series tasks have no children.
	}

	var query = `SELECT id, IFNULL(parent_id, ''), IFNULL(mrn, ''), IFNULL(acc, ''), IFNULL(scope, ''), time, IFNULL(data, '')
		 FROM tasks WHERE parent_id = ?`
	var args = []interface{}{id}
	if childScope != "" {
		query += ` OR (scope = ? AND mrn = ? AND IFNULL(parent_id, '') = '' AND time BETWEEN ? AND ?)`
		args = append(args, childScope, parent.MRN, lower.UTC(), upper.UTC())
	}
	query += ` ORDER BY time`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying children of %s: %w", id, err)
	}
	return scanTaskRows(rows)
}

// FindParentTask resolves the enclosing task of the same MRN at the next
// aggregation level up, within the 10-minute pre / 5-minute post window.
func (s *Store) FindParentTask(id string) (*TaskRow, error) {
	child, err := s.GetTaskInfo(id)
	if err != nil {
		return nil, err
	}
	if child.ParentID != "" {
		return s.GetTaskInfo(child.ParentID)
	}

	var parentScope string
	switch child.Scope {
	case "study":
		parentScope = "patient"
	case "series":
		parentScope = "study"
	default:
		return nil, sql.ErrNoRows
	}

	rows, err := s.db.Query(
		`SELECT id, IFNULL(parent_id, ''), IFNULL(mrn, ''), IFNULL(acc, ''), IFNULL(scope, ''), time, IFNULL(data, '')
		 FROM tasks
		 WHERE scope = ? AND mrn = ? AND mrn != '' AND time BETWEEN ? AND ?
		 ORDER BY time DESC LIMIT 1`,
		parentScope, child.MRN,
		child.Time.Add(-parentPreWindow).UTC(), child.Time.Add(parentPostWindow).UTC())
	if err != nil {
		return nil, fmt.Errorf("querying parent of %s: %w", id, err)
	}
	out, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, sql.ErrNoRows
	}
	return &out[0], nil
}

// FindQuery is the DataTables-style paging contract of the archive view.
type FindQuery struct {
	Draw        int
	Start       int
	Length      int
	Search      string
	OrderColumn int
	OrderDir    string
	GroupBy     string // patient, study, series, or "" for a flat view.
}

// FindResult is one page of the archive view.
type FindResult struct {
	Draw            int       `json:"draw"`
	RecordsTotal    int       `json:"recordsTotal"`
	RecordsFiltered int       `json:"recordsFiltered"`
	Data            []TaskRow `json:"data"`
}

// Archive column mapping of orderable columns.
var orderColumns = map[int]string{
	1: "acc",
	2: "mrn",
	4: "scope",
	6: "time",
	8: "id",
}

// FindTask pages through the task archive. With GroupBy "patient" the view
// is hierarchical: patient tasks, plus orphan studies promoted only when no
// patient task with the same MRN exists within the parent window.
func (s *Store) FindTask(q FindQuery) (*FindResult, error) {
	var where []string
	var args []interface{}

	switch q.GroupBy {
	case "patient":
		where = append(where, `(scope = 'patient' OR (scope = 'study' AND NOT EXISTS (
			SELECT 1 FROM tasks p WHERE p.scope = 'patient' AND p.mrn = tasks.mrn
			AND p.time BETWEEN datetime(tasks.time, '-10 minutes') AND datetime(tasks.time, '+5 minutes'))))`)
	case "study", "series":
		where = append(where, `scope = ?`)
		args = append(args, q.GroupBy)
	case "":
		// Flat view over every task.
	default:
		return nil, fmt.Errorf("invalid group_by %q", q.GroupBy)
	}

	if q.Search != "" {
		where = append(where, `(id LIKE ? OR mrn LIKE ? OR acc LIKE ?)`)
		var pattern = "%" + q.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}

	var whereClause = ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	var filtered int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tasks`+whereClause, args...).Scan(&filtered); err != nil {
		return nil, fmt.Errorf("counting filtered tasks: %w", err)
	}

	var orderBy = "time"
	if col, ok := orderColumns[q.OrderColumn]; ok {
		orderBy = col
	}
	var dir = "DESC"
	if strings.EqualFold(q.OrderDir, "asc") {
		dir = "ASC"
	}

	var length = q.Length
	if length <= 0 {
		length = 50
	}

	rows, err := s.db.Query(
		`SELECT id, IFNULL(parent_id, ''), IFNULL(mrn, ''), IFNULL(acc, ''), IFNULL(scope, ''), time, IFNULL(data, '')
		 FROM tasks`+whereClause+` ORDER BY `+orderBy+` `+dir+` LIMIT ? OFFSET ?`,
		append(args, length, q.Start)...)
	if err != nil {
		return nil, fmt.Errorf("querying task archive: %w", err)
	}
	data, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}

	return &FindResult{
		Draw:            q.Draw,
		RecordsTotal:    total,
		RecordsFiltered: filtered,
		Data:            data,
	}, nil
}

// TaskEvents returns the recorded events of a task in order.
func (s *Store) TaskEvents(taskID string) ([]TaskEvent, error) {
	rows, err := s.db.Query(
		`SELECT task_id, event, file_count, IFNULL(target, ''), IFNULL(info, ''), time
		 FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying events of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err = rows.Scan(&ev.TaskID, &ev.Event, &ev.FileCount, &ev.Target, &ev.Info, &ev.Time); err != nil {
			return nil, fmt.Errorf("scanning task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ProcessLogsFor returns the stored module logs of a task.
func (s *Store) ProcessLogsFor(taskID string) ([]ProcessLogs, error) {
	rows, err := s.db.Query(
		`SELECT task_id, module_name, logs, time FROM processor_logs WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying logs of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []ProcessLogs
	for rows.Next() {
		var l ProcessLogs
		if err = rows.Scan(&l.TaskID, &l.ModuleName, &l.Logs, &l.Time); err != nil {
			return nil, fmt.Errorf("scanning process logs: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ProcessorOutputsFor returns the stored module outputs of a task in
// pipeline order.
func (s *Store) ProcessorOutputsFor(taskID string) ([]ProcessorOutput, error) {
	rows, err := s.db.Query(
		`SELECT task_id, module_name, idx, output, time FROM processor_outputs WHERE task_id = ? ORDER BY idx, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying outputs of %s: %w", taskID, err)
	}
	defer rows.Close()
	var out []ProcessorOutput
	for rows.Next() {
		var o ProcessorOutput
		var raw string
		if err = rows.Scan(&o.TaskID, &o.ModuleName, &o.Index, &raw, &o.Time); err != nil {
			return nil, fmt.Errorf("scanning processor output: %w", err)
		}
		o.Output = json.RawMessage(raw)
		out = append(out, o)
	}
	return out, rows.Err()
}
