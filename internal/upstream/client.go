package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/retry"
)

const defaultBaseURL = "https://api.upstream.example/graphql"

// Client talks to the tracker's GraphQL endpoint. Router wraps one or more
// clients to implement adapter.Upstream.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	limiter    *rate.Limiter
	retry      retry.Policy
}

// NewClient builds a client for one upstream source. The token bucket
// matches the tracker's published budget: 1000 requests/hour with bursts
// up to 100.
func NewClient(apiKey string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		limiter:    rate.NewLimiter(rate.Limit(1000.0/3600.0), 100),
		retry:      retry.DefaultPolicy(),
	}
}

// SetBaseURL points the client at a different endpoint (tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// execute runs one GraphQL request with rate limiting and transient
// retries, decoding the data object into out.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	return retry.Do(ctx, c.retry, "upstream graphql", func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.executeOnce(ctx, query, variables, out)
	})
}

func (c *Client) executeOnce(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return adapter.NewError(adapter.KindTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return adapter.NewError(adapter.KindTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, resp.Header, respBody)
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return classifyGraphQLErrors(envelope.Errors)
	}
	if out != nil {
		if envelope.Data == nil {
			return fmt.Errorf("no data in response")
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
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
	case status >= 400 && status < 500:
		return adapter.NewError(adapter.KindValidation, err)
	default:
		return adapter.NewError(adapter.KindTransient, err)
	}
}

func classifyGraphQLErrors(errs []graphqlError) error {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Message
	}
	err := fmt.Errorf("graphql: %s", strings.Join(msgs, ", "))
	for _, e := range errs {
		switch e.Extensions.Code {
		case "RATELIMITED":
			return adapter.NewError(adapter.KindRateLimited, err)
		case "AUTHENTICATION_ERROR", "FORBIDDEN":
			return adapter.NewError(adapter.KindAuth, err)
		}
	}
	return adapter.NewError(adapter.KindValidation, err)
}

// Viewer returns the authenticated user; used as a connectivity check and
// to scope the backfill to issues assigned to them.
func (c *Client) Viewer(ctx context.Context) (User, error) {
	const query = `query { viewer { id name email } }`
	var resp struct {
		Viewer User `json:"viewer"`
	}
	if err := c.execute(ctx, query, nil, &resp); err != nil {
		return User{}, fmt.Errorf("viewer: %w", err)
	}
	return resp.Viewer, nil
}

const assignedIssuesQuery = `
query AssignedIssues($assigneeId: ID!, $projectIds: [String!], $after: String) {
	issues(
		filter: {
			assignee: { id: { eq: $assigneeId } }
			project: { id: { in: $projectIds } }
			state: { type: { nin: ["completed", "canceled"] } }
		}
		first: 100
		after: $after
	) {
		pageInfo { hasNextPage endCursor }
		nodes {
			id
			identifier
			title
			description
			state { id name type }
			assignee { id name email }
			estimate
			updatedAt
			dueDate
			labels { nodes { id name } }
		}
	}
}`

const assignedIssuesQueryAllProjects = `
query AssignedIssues($assigneeId: ID!, $after: String) {
	issues(
		filter: {
			assignee: { id: { eq: $assigneeId } }
			state: { type: { nin: ["completed", "canceled"] } }
		}
		first: 100
		after: $after
	) {
		pageInfo { hasNextPage endCursor }
		nodes {
			id
			identifier
			title
			description
			state { id name type }
			assignee { id name email }
			estimate
			updatedAt
			dueDate
			labels { nodes { id name } }
		}
	}
}`

// AssignedIssues pages through every open issue assigned to the viewer,
// optionally filtered to specific projects.
func (c *Client) AssignedIssues(ctx context.Context, projectIDs []string) ([]Issue, error) {
	viewer, err := c.Viewer(ctx)
	if err != nil {
		return nil, err
	}

	query := assignedIssuesQueryAllProjects
	vars := map[string]any{"assigneeId": viewer.ID}
	if len(projectIDs) > 0 {
		query = assignedIssuesQuery
		vars["projectIds"] = projectIDs
	}

	var issues []Issue
	for {
		var resp struct {
			Issues struct {
				PageInfo struct {
					HasNextPage bool   `json:"hasNextPage"`
					EndCursor   string `json:"endCursor"`
				} `json:"pageInfo"`
				Nodes []struct {
					Issue
					Labels struct {
						Nodes []IssueLabel `json:"nodes"`
					} `json:"labels"`
				} `json:"nodes"`
			} `json:"issues"`
		}
		if err := c.execute(ctx, query, vars, &resp); err != nil {
			return nil, fmt.Errorf("assigned issues: %w", err)
		}
		for _, node := range resp.Issues.Nodes {
			issue := node.Issue
			issue.Labels = node.Labels.Nodes
			issues = append(issues, issue)
		}
		if !resp.Issues.PageInfo.HasNextPage {
			break
		}
		vars["after"] = resp.Issues.PageInfo.EndCursor
	}
	slog.Debug("backfill fetched assigned issues", "count", len(issues))
	return issues, nil
}

// AddLabel attaches the named label to an issue, creating the label first
// when it does not exist. A duplicate attachment is success; this is the
// idempotency the engine relies on when re-propagating an archive.
func (c *Client) AddLabel(ctx context.Context, issueID, labelName string) error {
	labelID, err := c.getOrCreateLabel(ctx, labelName)
	if err != nil {
		return err
	}

	const mutation = `
	mutation AddLabelToIssue($issueId: String!, $labelId: String!) {
		issueAddLabel(id: $issueId, labelId: $labelId) { success }
	}`
	var resp struct {
		IssueAddLabel struct {
			Success bool `json:"success"`
		} `json:"issueAddLabel"`
	}
	err = c.execute(ctx, mutation, map[string]any{"issueId": issueID, "labelId": labelID}, &resp)
	if err != nil {
		if isDuplicateLabel(err) {
			slog.Debug("label already attached", "issue", issueID, "label", labelName)
			return nil
		}
		return fmt.Errorf("add label %q to %s: %w", labelName, issueID, err)
	}
	if !resp.IssueAddLabel.Success {
		return adapter.NewError(adapter.KindValidation, fmt.Errorf("add label %q to %s: not successful", labelName, issueID))
	}
	return nil
}

func isDuplicateLabel(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") && strings.Contains(msg, "label")
}

func (c *Client) getOrCreateLabel(ctx context.Context, name string) (string, error) {
	const findQuery = `
	query FindLabel($name: String!) {
		issueLabels(filter: { name: { eq: $name } }, first: 1) {
			nodes { id name }
		}
	}`
	var found struct {
		IssueLabels struct {
			Nodes []IssueLabel `json:"nodes"`
		} `json:"issueLabels"`
	}
	if err := c.execute(ctx, findQuery, map[string]any{"name": name}, &found); err != nil {
		return "", fmt.Errorf("find label %q: %w", name, err)
	}
	if len(found.IssueLabels.Nodes) > 0 {
		return found.IssueLabels.Nodes[0].ID, nil
	}

	const createMutation = `
	mutation CreateLabel($name: String!, $color: String!) {
		issueLabelCreate(input: { name: $name, color: $color }) {
			success
			issueLabel { id name }
		}
	}`
	var created struct {
		IssueLabelCreate struct {
			Success    bool        `json:"success"`
			IssueLabel *IssueLabel `json:"issueLabel"`
		} `json:"issueLabelCreate"`
	}
	err := c.execute(ctx, createMutation, map[string]any{"name": name, "color": "#3B82F6"}, &created)
	if err != nil {
		return "", fmt.Errorf("create label %q: %w", name, err)
	}
	if !created.IssueLabelCreate.Success || created.IssueLabelCreate.IssueLabel == nil {
		return "", adapter.NewError(adapter.KindValidation, fmt.Errorf("create label %q: no label returned", name))
	}
	slog.Info("created upstream label", "label", name, "id", created.IssueLabelCreate.IssueLabel.ID)
	return created.IssueLabelCreate.IssueLabel.ID, nil
}
