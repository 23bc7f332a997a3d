package bookkeeper

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/micsi-dev/mercure/go/task"
	log "github.com/sirupsen/logrus"
)

var timeNow = time.Now

func decodeTask(raw json.RawMessage) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Server is the HTTP front of the bookkeeper store.
type Server struct {
	store  *Store
	apiKey []byte
	mux    *http.ServeMux
}

// NewServer wraps a Store. With a non-empty apiKey every request must carry
// a bearer token signed with it.
func NewServer(store *Store, apiKey string) *Server {
	var s = &Server{store: store, apiKey: []byte(apiKey), mux: http.NewServeMux()}

	s.mux.HandleFunc("/series_event", s.postSeriesEvent)
	s.mux.HandleFunc("/task_event", s.postTaskEvent)
	s.mux.HandleFunc("/process_logs", s.postProcessLogs)
	s.mux.HandleFunc("/processor_output", s.postProcessorOutput)
	s.mux.HandleFunc("/register_task", s.postRegisterTask)
	s.mux.HandleFunc("/update_task", s.postUpdateTask)

	s.mux.HandleFunc("/find_task", s.getFindTask)
	s.mux.HandleFunc("/get_task_info", s.getTaskInfo)
	s.mux.HandleFunc("/get_child_tasks", s.getChildTasks)
	s.mux.HandleFunc("/find_output_folder", s.getFindOutputFolder)
	s.mux.HandleFunc("/tasks-events", s.getTaskEvents)
	s.mux.HandleFunc("/task_process_logs", s.getProcessLogs)
	s.mux.HandleFunc("/task_process_results", s.getProcessResults)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.apiKey) != 0 {
		var auth = r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		var _, err = jwt.Parse(strings.TrimPrefix(auth, "Bearer "),
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return s.apiKey, nil
			})
		if err != nil {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		http.Error(w, fmt.Sprintf("decoding body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("error", err).Error("failed to encode bookkeeper response")
	}
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.WithField("error", err).Error("bookkeeper store error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (s *Server) postSeriesEvent(w http.ResponseWriter, r *http.Request) {
	var ev SeriesEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := s.store.AddSeriesEvent(ev); err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postTaskEvent(w http.ResponseWriter, r *http.Request) {
	var ev TaskEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := s.store.AddTaskEvent(ev); err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postProcessLogs(w http.ResponseWriter, r *http.Request) {
	var l ProcessLogs
	if !decodeBody(w, r, &l) {
		return
	}
	if err := s.store.AddProcessLogs(l); err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postProcessorOutput(w http.ResponseWriter, r *http.Request) {
	var o ProcessorOutput
	if !decodeBody(w, r, &o) {
		return
	}
	if err := s.store.AddProcessorOutput(o); err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

type taskEnvelope struct {
	Task json.RawMessage `json:"task"`
}

func (s *Server) postRegisterTask(w http.ResponseWriter, r *http.Request) {
	s.upsertTask(w, r, true)
}

func (s *Server) postUpdateTask(w http.ResponseWriter, r *http.Request) {
	s.upsertTask(w, r, false)
}

func (s *Server) upsertTask(w http.ResponseWriter, r *http.Request, register bool) {
	var envelope taskEnvelope
	if !decodeBody(w, r, &envelope) {
		return
	}
	t, err := decodeTask(envelope.Task)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if register {
		err = s.store.RegisterTask(t, timeNow())
	} else {
		err = s.store.UpdateTask(t)
	}
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getFindTask(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()
	var query = FindQuery{
		Draw:     atoiDefault(q.Get("draw"), 0),
		Start:    atoiDefault(q.Get("start"), 0),
		Length:   atoiDefault(q.Get("length"), 50),
		Search:   q.Get("search[value]"),
		OrderDir: q.Get("order[0][dir]"),
		GroupBy:  q.Get("group_by"),
	}
	query.OrderColumn = atoiDefault(q.Get("order[0][column]"), 6)

	result, err := s.store.FindTask(query)
	if err != nil {
		if strings.Contains(err.Error(), "invalid group_by") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) getTaskInfo(w http.ResponseWriter, r *http.Request) {
	row, err := s.store.GetTaskInfo(r.URL.Query().Get("task_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, row)
}

func (s *Server) getChildTasks(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetChildTasks(r.URL.Query().Get("task_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, rows)
}

// getFindOutputFolder returns the candidate task IDs under which the final
// output of a task may be found on disk: the task itself, its window-matched
// parent, and its children. The caller checks which folder actually exists.
func (s *Server) getFindOutputFolder(w http.ResponseWriter, r *http.Request) {
	var id = r.URL.Query().Get("task_id")
	var candidates = []string{id}

	if parent, err := s.store.FindParentTask(id); err == nil {
		candidates = append(candidates, parent.ID)
	} else if !errors.Is(err, sql.ErrNoRows) {
		s.storeError(w, err)
		return
	}
	children, err := s.store.GetChildTasks(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.storeError(w, err)
		return
	}
	for _, child := range children {
		candidates = append(candidates, child.ID)
	}
	respond(w, http.StatusOK, map[string][]string{"task_ids": candidates})
}

func (s *Server) getTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.TaskEvents(r.URL.Query().Get("task_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, events)
}

func (s *Server) getProcessLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.store.ProcessLogsFor(r.URL.Query().Get("task_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, logs)
}

func (s *Server) getProcessResults(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.store.ProcessorOutputsFor(r.URL.Query().Get("task_id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	respond(w, http.StatusOK, outputs)
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}
