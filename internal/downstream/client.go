package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/retry"
)

const defaultBaseURL = "https://api.downstream.example/v1"

// canonicalIDField is the custom-field key the canonical id is stored
// under on every created task; it is the create idempotency key.
const canonicalIDField = "canonical_id"

// Client talks to the task manager's REST API.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
	retry      retry.Policy
}

// NewClient builds a client. ratePerMin is the account tier's request
// budget (12-120/min); zero picks the lowest tier.
func NewClient(apiKey string, ratePerMin int) *Client {
	if ratePerMin <= 0 {
		ratePerMin = 12
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), ratePerMin),
		retry:      retry.DefaultPolicy(),
	}
}

// SetBaseURL points the client at a different endpoint (tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// Task is the downstream task resource.
type Task struct {
	ID           string            `json:"id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	DueDate      *time.Time        `json:"dueDate,omitempty"`
	Duration     int               `json:"duration,omitempty"`
	Labels       []Label           `json:"labels,omitempty"`
	Completed    bool              `json:"completed"`
	Archived     bool              `json:"archived"`
	UpdatedAt    *time.Time        `json:"updatedTime,omitempty"`
	CustomFields map[string]string `json:"customFieldValues,omitempty"`
}

// Label is a downstream label reference.
type Label struct {
	Name string `json:"name"`
}

// HasLabel reports whether the task carries the named label.
func (t Task) HasLabel(name string) bool {
	for _, l := range t.Labels {
		if l.Name == name {
			return true
		}
	}
	return false
}

// CanonicalID returns the canonical id the task was created with, if any.
func (t Task) CanonicalID() string {
	return t.CustomFields[canonicalIDField]
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return retry.Do(ctx, c.retry, "downstream "+method+" "+path, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.doOnce(ctx, method, path, in, out)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return adapter.NewError(adapter.KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.NewError(adapter.KindTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode, resp.Header, respBody)
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func classifyStatus(status int, header http.Header, body []byte) error {
	err := fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests:
		ae := adapter.NewError(adapter.KindRateLimited, err)
		if s := header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				ae.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return ae
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return adapter.NewError(adapter.KindAuth, err)
	case status == http.StatusConflict:
		return adapter.NewError(adapter.KindConflict, err)
	case status == http.StatusNotFound:
		return adapter.NewError(adapter.KindValidation, err)
	case status >= 400 && status < 500:
		return adapter.NewError(adapter.KindValidation, err)
	default:
		return adapter.NewError(adapter.KindTransient, err)
	}
}

// taskPatch carries only the fields a request should touch.
type taskPatch struct {
	Name         *string           `json:"name,omitempty"`
	Description  *string           `json:"description,omitempty"`
	DueDate      **time.Time       `json:"dueDate,omitempty"`
	Duration     *int              `json:"duration,omitempty"`
	Labels       *[]string         `json:"labels,omitempty"`
	CustomFields map[string]string `json:"customFieldValues,omitempty"`
}

func patchFromDiff(d adapter.LensDiff) taskPatch {
	return taskPatch{
		Name:        d.Name,
		Description: d.Description,
		DueDate:     d.DueDate,
		Duration:    d.DurationMins,
		Labels:      d.Labels,
	}
}

// Apply performs the remote write for a lens diff. An empty handle means
// create, keyed on the canonical id; retried creates that collide recover
// the existing handle instead of duplicating the task.
func (c *Client) Apply(ctx context.Context, canonicalID string, d adapter.LensDiff, handle string) (string, error) {
	if handle != "" {
		if err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(handle), patchFromDiff(d), nil); err != nil {
			return "", fmt.Errorf("update task %s: %w", handle, err)
		}
		return handle, nil
	}

	patch := patchFromDiff(d)
	patch.CustomFields = map[string]string{canonicalIDField: canonicalID}

	var created Task
	err := c.do(ctx, http.MethodPost, "/tasks", patch, &created)
	if err != nil {
		if adapter.KindOf(err) == adapter.KindConflict {
			existing, ferr := c.FindTaskByCanonicalID(ctx, canonicalID)
			if ferr == nil && existing != nil {
				slog.Debug("create collided, recovered existing task", "canonical_id", canonicalID, "handle", existing.ID)
				return existing.ID, nil
			}
		}
		return "", fmt.Errorf("create task for %s: %w", canonicalID, err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("create task for %s: no id in response", canonicalID)
	}
	return created.ID, nil
}

// DeleteTask removes a task by handle. A 404 means the task is already
// gone and is success.
func (c *Client) DeleteTask(ctx context.Context, handle string) error {
	err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(handle), nil, nil)
	if err != nil {
		if isNotFound(err) {
			slog.Debug("task already deleted", "handle", handle)
			return nil
		}
		return fmt.Errorf("delete task %s: %w", handle, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return adapter.KindOf(err) == adapter.KindValidation && strings.Contains(err.Error(), "HTTP 404")
}

// FindTaskByCanonicalID looks up the task created for a canonical id.
func (c *Client) FindTaskByCanonicalID(ctx context.Context, canonicalID string) (*Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	path := "/tasks?" + url.Values{"customField." + canonicalIDField: {canonicalID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("find task by canonical id %s: %w", canonicalID, err)
	}
	if len(resp.Tasks) == 0 {
		return nil, nil
	}
	return &resp.Tasks[0], nil
}

// CompletedTasks lists tasks whose archived/completed flag is set,
// filtered to the ones this daemon created.
func (c *Client) CompletedTasks(ctx context.Context) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/tasks?completed=true", nil, &resp); err != nil {
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}
	var out []Task
	for _, t := range resp.Tasks {
		if t.HasLabel(SyncLabel) {
			out = append(out, t)
		}
	}
	return out, nil
}
