package bookkeeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/micsi-dev/mercure/go/task"
)

const taskInfoCacheSize = 512

// Client is the orchestrator's view of the bookkeeper. It is safe for
// concurrent use by all worker loops. Event sends are best-effort: a failed
// send is returned to the caller for logging but never blocks a unit.
type Client struct {
	base   *url.URL
	http   *http.Client
	apiKey string

	// taskInfo caches archive lookups; bookkeeper task documents are
	// immutable once a task reaches a terminal folder.
	taskInfo *lru.Cache[string, TaskRow]
}

// NewClient builds a Client of the bookkeeper at |addr|.
func NewClient(addr, apiKey string) (*Client, error) {
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parsing bookkeeper address: %w", err)
	} else if !base.IsAbs() {
		return nil, fmt.Errorf("bookkeeper address %q is not absolute", addr)
	}
	cache, err := lru.New[string, TaskRow](taskInfoCacheSize)
	if err != nil {
		return nil, fmt.Errorf("building task info cache: %w", err)
	}
	return &Client{
		base:     base,
		http:     &http.Client{Timeout: 30 * time.Second},
		apiKey:   apiKey,
		taskInfo: cache,
	}, nil
}

func (c *Client) bearerToken() (string, error) {
	if c.apiKey == "" {
		return "", nil
	}
	var claims = jwt.MapClaims{
		"sub": "mercure",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.apiKey))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, into interface{}) error {
	var ref = &url.URL{Path: path}
	if query != nil {
		ref.RawQuery = query.Encode()
	}
	var endpoint = c.base.ResolveReference(ref)

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.bearerToken(); err != nil {
		return fmt.Errorf("minting bearer token: %w", err)
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bookkeeper %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var msg, _ = io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bookkeeper %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if into != nil {
		if err = json.NewDecoder(resp.Body).Decode(into); err != nil {
			return fmt.Errorf("decoding bookkeeper response: %w", err)
		}
	}
	return nil
}

// RegisterTask records a newly created task.
func (c *Client) RegisterTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	return c.do(ctx, http.MethodPost, "register_task", nil, taskEnvelope{Task: data}, nil)
}

// UpdateTask rewrites the recorded document of a task.
func (c *Client) UpdateTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	return c.do(ctx, http.MethodPost, "update_task", nil, taskEnvelope{Task: data}, nil)
}

// SendTaskEvent records a task transition.
func (c *Client) SendTaskEvent(ctx context.Context, ev TaskEvent) error {
	return c.do(ctx, http.MethodPost, "task_event", nil, ev, nil)
}

// SendSeriesEvent records a received series.
func (c *Client) SendSeriesEvent(ctx context.Context, ev SeriesEvent) error {
	return c.do(ctx, http.MethodPost, "series_event", nil, ev, nil)
}

// SendProcessLogs stores the captured logs of a module run.
func (c *Client) SendProcessLogs(ctx context.Context, l ProcessLogs) error {
	return c.do(ctx, http.MethodPost, "process_logs", nil, l, nil)
}

// SendProcessorOutput stores the structured result of a module run.
func (c *Client) SendProcessorOutput(ctx context.Context, o ProcessorOutput) error {
	return c.do(ctx, http.MethodPost, "processor_output", nil, o, nil)
}

// GetTaskInfo returns the archived task document, from cache when possible.
func (c *Client) GetTaskInfo(ctx context.Context, id string) (TaskRow, error) {
	if row, ok := c.taskInfo.Get(id); ok {
		return row, nil
	}
	var row TaskRow
	var err = c.do(ctx, http.MethodGet, "get_task_info", url.Values{"task_id": {id}}, nil, &row)
	if err != nil {
		return TaskRow{}, err
	}
	c.taskInfo.Add(id, row)
	return row, nil
}

// GetChildTasks returns the children of a task, resolved through explicit
// parent links and the MRN time windows.
func (c *Client) GetChildTasks(ctx context.Context, id string) ([]TaskRow, error) {
	var rows []TaskRow
	var err = c.do(ctx, http.MethodGet, "get_child_tasks", url.Values{"task_id": {id}}, nil, &rows)
	return rows, err
}

// FindOutputFolder returns candidate task IDs under which the final output
// of a task may be found on disk.
func (c *Client) FindOutputFolder(ctx context.Context, id string) ([]string, error) {
	var out map[string][]string
	if err := c.do(ctx, http.MethodGet, "find_output_folder", url.Values{"task_id": {id}}, nil, &out); err != nil {
		return nil, err
	}
	return out["task_ids"], nil
}

// FindTask pages through the archive with the DataTables contract.
func (c *Client) FindTask(ctx context.Context, q FindQuery) (*FindResult, error) {
	var query = url.Values{
		"draw":             {fmt.Sprint(q.Draw)},
		"start":            {fmt.Sprint(q.Start)},
		"length":           {fmt.Sprint(q.Length)},
		"search[value]":    {q.Search},
		"order[0][column]": {fmt.Sprint(q.OrderColumn)},
		"order[0][dir]":    {q.OrderDir},
		"group_by":         {q.GroupBy},
	}
	var out FindResult
	if err := c.do(ctx, http.MethodGet, "find_task", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
