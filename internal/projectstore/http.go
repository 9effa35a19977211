package projectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"pkt.systems/pairbox/schema"
)

const (
	// HeaderUser carries the caller's user id.
	HeaderUser = "X-Pairbox-User"
	// HeaderEmail carries the caller's email.
	HeaderEmail = "X-Pairbox-Email"
)

// Wire bodies shared by HTTPClient and the server routes.
type (
	ProjectResponse struct {
		Project schema.Project `json:"project"`
	}
	ProjectsResponse struct {
		Projects []schema.Project `json:"projects"`
	}
	MessagesResponse struct {
		Messages []schema.Message `json:"messages"`
	}
	UpdateFileTreeRequest struct {
		ProjectID schema.ProjectID `json:"projectId"`
		FileTree  schema.FileTree  `json:"fileTree"`
	}
	AddUsersRequest struct {
		ProjectID schema.ProjectID `json:"projectId"`
		Users     []schema.UserID  `json:"users"`
	}
	CreateProjectRequest struct {
		Name string `json:"name"`
	}
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

// HTTPClient talks to a pairbox server's project routes.
type HTTPClient struct {
	baseURL *url.URL
	http    *http.Client
	caller  schema.User
}

// NewHTTPClient constructs a client for baseURL acting as caller.
func NewHTTPClient(baseURL string, caller schema.User, timeout time.Duration) (*HTTPClient, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return nil, errors.New("server url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{
		baseURL: u,
		caller:  caller,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}, nil
}

// FetchProject implements Store.
func (c *HTTPClient) FetchProject(ctx context.Context, projectID schema.ProjectID) (schema.Project, error) {
	var out ProjectResponse
	if err := c.call(ctx, http.MethodGet, "/projects/get-project/"+string(projectID), nil, &out); err != nil {
		return schema.Project{}, err
	}
	return out.Project, nil
}

// FetchMessages implements Store.
func (c *HTTPClient) FetchMessages(ctx context.Context, projectID schema.ProjectID) ([]schema.Message, error) {
	var out MessagesResponse
	if err := c.call(ctx, http.MethodGet, "/projects/get-messages/"+string(projectID), nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PersistFileTree implements Store.
func (c *HTTPClient) PersistFileTree(ctx context.Context, projectID schema.ProjectID, tree schema.FileTree) error {
	return c.call(ctx, http.MethodPut, "/projects/update-file-tree", UpdateFileTreeRequest{ProjectID: projectID, FileTree: tree}, nil)
}

// AddCollaborators implements Store.
func (c *HTTPClient) AddCollaborators(ctx context.Context, projectID schema.ProjectID, users []schema.UserID) error {
	return c.call(ctx, http.MethodPut, "/projects/add-user", AddUsersRequest{ProjectID: projectID, Users: users}, nil)
}

// CreateProject implements Directory.
func (c *HTTPClient) CreateProject(ctx context.Context, name string) (schema.Project, error) {
	var out ProjectResponse
	if err := c.call(ctx, http.MethodPost, "/projects/create", CreateProjectRequest{Name: name}, &out); err != nil {
		return schema.Project{}, err
	}
	return out.Project, nil
}

// ListProjects implements Directory.
func (c *HTTPClient) ListProjects(ctx context.Context) ([]schema.Project, error) {
	var out ProjectsResponse
	if err := c.call(ctx, http.MethodGet, "/projects/all", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

func (c *HTTPClient) call(ctx context.Context, method, endpoint string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	reqURL := *c.baseURL
	reqURL.Path = path.Join("/", c.baseURL.Path, endpoint)
	reqURL.RawPath = ""
	req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.caller.ID != "" {
		req.Header.Set(HeaderUser, string(c.caller.ID))
	}
	if c.caller.Email != "" {
		req.Header.Set(HeaderEmail, c.caller.Email)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode >= 300 {
		return readAPIError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func readAPIError(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	var payload ErrorResponse
	msg := strings.TrimSpace(string(data))
	if err := json.Unmarshal(data, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Status: res.StatusCode, Message: msg}
}
