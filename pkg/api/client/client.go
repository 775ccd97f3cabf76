package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "http://localhost:4000"

// Client provides typed access to the collaboration REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// BaseURL is the normalised server address, also used to derive the websocket endpoint.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// AuthResponse is returned by signup and login.
type AuthResponse struct {
	User   User      `json:"user"`
	Tokens TokenPair `json:"tokens"`
}

// User reflects API user payloads.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// TokenPair includes access and refresh tokens. ExpiresIn is in seconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Signup registers a user and returns its first token pair.
func (c *Client) Signup(ctx context.Context, email, password, displayName string) (AuthResponse, error) {
	body := map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signup", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (AuthResponse, error) {
	body := map[string]string{
		"email":    email,
		"password": password,
	}
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, "", &resp); err != nil {
		return AuthResponse{}, err
	}
	return resp, nil
}

// Project is a collaborative document.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot is the persisted document content of a project.
type Snapshot struct {
	DocumentBlob json.RawMessage `json:"document_blob"`
	ScriptBlob   json.RawMessage `json:"script_blob"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ProjectDetail is a project with the caller's role and current snapshot.
type ProjectDetail struct {
	Project  Project  `json:"project"`
	Role     string   `json:"role"`
	Snapshot Snapshot `json:"snapshot"`
}

// ListProjects returns the projects the caller is a member of.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var resp struct {
		Projects []Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// CreateProjectInput captures the payload for project creation.
type CreateProjectInput struct {
	Name         string          `json:"name"`
	DocumentBlob json.RawMessage `json:"document_blob,omitempty"`
	ScriptBlob   json.RawMessage `json:"script_blob,omitempty"`
}

// CreateProject creates a project owned by the caller.
func (c *Client) CreateProject(ctx context.Context, token string, input CreateProjectInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, token, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// GetProject fetches a project with its snapshot.
func (c *Client) GetProject(ctx context.Context, token, projectID string) (ProjectDetail, error) {
	path := fmt.Sprintf("/projects/%s", url.PathEscape(projectID))
	var detail ProjectDetail
	if err := c.do(ctx, http.MethodGet, path, nil, token, &detail); err != nil {
		return ProjectDetail{}, err
	}
	return detail, nil
}

// PublishSnapshot overwrites the given blobs and fans the change out to live rooms.
func (c *Client) PublishSnapshot(ctx context.Context, token, projectID string, document, script json.RawMessage) error {
	path := fmt.Sprintf("/projects/%s/snapshot", url.PathEscape(projectID))
	body := map[string]json.RawMessage{}
	if len(document) > 0 {
		body["document_blob"] = document
	}
	if len(script) > 0 {
		body["script_blob"] = script
	}
	return c.do(ctx, http.MethodPut, path, body, token, nil)
}

// Member is one membership of a project.
type Member struct {
	UserID   string    `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

// ListMembers returns the memberships of a project.
func (c *Client) ListMembers(ctx context.Context, token, projectID string) ([]Member, error) {
	path := fmt.Sprintf("/projects/%s/members", url.PathEscape(projectID))
	var resp struct {
		Members []Member `json:"members"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

// AuditEntry is one line of a project's audit trail.
type AuditEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListAudit returns the newest audit entries of a project. Admins only.
func (c *Client) ListAudit(ctx context.Context, token, projectID string, limit int) ([]AuditEntry, error) {
	query := ""
	if limit > 0 {
		query = fmt.Sprintf("?limit=%d", limit)
	}
	path := fmt.Sprintf("/projects/%s/audit%s", url.PathEscape(projectID), query)
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}
