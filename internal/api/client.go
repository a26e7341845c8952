// Package api provides the REST client for the solver backend. The
// backend is the authoritative source: the engine treats its responses as
// ground truth whenever it is reachable.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/raphaelgruber/kbtrack/internal/models"
)

// Client is a REST client for the solver backend.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new backend client.
// If endpoint is empty, uses KBTRACK_SERVER_URL env var or defaults to
// localhost:8000. Timeout can be configured via KBTRACK_CLIENT_TIMEOUT.
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("KBTRACK_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8000"
	}

	timeout := 2 * time.Minute // uploads of larger document sets take a while
	if t := os.Getenv("KBTRACK_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint returns the configured backend base URL.
func (c *Client) Endpoint() string {
	return c.endpoint
}

// do sends a JSON request and decodes the response into result (may be nil).
// Non-2xx statuses are returned as errors carrying status and body.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, result)
}

func (c *Client) send(req *http.Request, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server error: %s - %s", resp.Status, string(data))
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// KNOWLEDGE BASE OPERATIONS
// =============================================================================

// UploadResult summarizes a mutation that starts a background job. The
// file count seeds the caller's initial progress record.
type UploadResult struct {
	KnowledgeBaseID string `json:"knowledge_base_id"`
	FileCount       int    `json:"file_count"`
	Message         string `json:"message"`
}

// ListKnowledgeBases returns all knowledge bases with their ready flags.
func (c *Client) ListKnowledgeBases(ctx context.Context) ([]models.KnowledgeBase, error) {
	var result struct {
		KnowledgeBases []models.KnowledgeBase `json:"knowledge_bases"`
		Total          int                    `json:"total"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/knowledge-bases", nil, &result); err != nil {
		return nil, err
	}
	return result.KnowledgeBases, nil
}

// CreateKnowledgeBase creates a named knowledge base.
func (c *Client) CreateKnowledgeBase(ctx context.Context, name string) (*models.KnowledgeBase, error) {
	var result models.KnowledgeBase
	body := map[string]string{"name": name}
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge-bases", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteKnowledgeBase removes a knowledge base and its documents.
func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/knowledge-bases/"+url.PathEscape(id), nil, nil)
}

// UploadDocuments uploads local files into a knowledge base. The returned
// file count seeds an initial progress record for the ingestion job.
func (c *Client) UploadDocuments(ctx context.Context, id string, paths []string) (*UploadResult, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", p, err)
		}
		part, err := writer.CreateFormFile("files", filepath.Base(p))
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("copy %s: %w", p, err)
		}
		f.Close()
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	path := "/api/v1/knowledge-bases/" + url.PathEscape(id) + "/documents"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result UploadResult
	if err := c.send(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LinkFolder attaches a server-side folder to a knowledge base.
func (c *Client) LinkFolder(ctx context.Context, id, folderPath string) (*UploadResult, error) {
	var result UploadResult
	body := map[string]string{"path": folderPath}
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge-bases/"+url.PathEscape(id)+"/folder", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SyncFolder re-synchronizes the linked folder of a knowledge base.
func (c *Client) SyncFolder(ctx context.Context, id string) (*UploadResult, error) {
	var result UploadResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/knowledge-bases/"+url.PathEscape(id)+"/folder/sync", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UnlinkFolder detaches the linked folder from a knowledge base.
func (c *Client) UnlinkFolder(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/knowledge-bases/"+url.PathEscape(id)+"/folder", nil, nil)
}

// PurgeProgress asks the backend to discard its stored progress record
// for one knowledge base.
func (c *Client) PurgeProgress(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/knowledge-bases/"+url.PathEscape(id)+"/progress", nil, nil)
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// SessionUpdate carries the updatable session fields. Nil fields are left
// untouched by the backend.
type SessionUpdate struct {
	Title         *string `json:"title,omitempty"`
	KnowledgeBase *string `json:"knowledge_base,omitempty"`
	IsActive      *bool   `json:"is_active,omitempty"`
}

// sessionResponse mirrors the backend's session payload.
type sessionResponse struct {
	models.ConversationSession
	MessageCount int `json:"message_count"`
}

// SessionInfo is a session plus backend-computed metadata.
type SessionInfo struct {
	Session      models.ConversationSession
	MessageCount int
}

// CreateSession creates a new session and makes it the active one.
func (c *Client) CreateSession(ctx context.Context, knowledgeBase string) (*models.ConversationSession, error) {
	var result sessionResponse
	body := map[string]string{"knowledge_base": knowledgeBase}
	if err := c.do(ctx, http.MethodPost, "/api/v1/solver/sessions", body, &result); err != nil {
		return nil, err
	}
	return &result.ConversationSession, nil
}

// ListSessions returns sessions sorted by update time, newest first.
func (c *Client) ListSessions(ctx context.Context, limit int, includeInactive bool) ([]SessionInfo, error) {
	var result struct {
		Sessions []sessionResponse `json:"sessions"`
		Total    int               `json:"total"`
	}
	path := "/api/v1/solver/sessions?limit=" + strconv.Itoa(limit) +
		"&include_inactive=" + strconv.FormatBool(includeInactive)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	infos := make([]SessionInfo, 0, len(result.Sessions))
	for _, s := range result.Sessions {
		infos = append(infos, SessionInfo{Session: s.ConversationSession, MessageCount: s.MessageCount})
	}
	return infos, nil
}

// GetActiveSession returns the active session, or nil if none exists.
func (c *Client) GetActiveSession(ctx context.Context) (*models.ConversationSession, error) {
	var result *sessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/solver/sessions/active", nil, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return &result.ConversationSession, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	var result sessionResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/solver/sessions/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result.ConversationSession, nil
}

// UpdateSession updates title, knowledge base or active flag.
func (c *Client) UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*models.ConversationSession, error) {
	var result sessionResponse
	if err := c.do(ctx, http.MethodPut, "/api/v1/solver/sessions/"+url.PathEscape(id), upd, &result); err != nil {
		return nil, err
	}
	return &result.ConversationSession, nil
}

// AddMessage appends a message to a session and returns the authoritative
// updated session.
func (c *Client) AddMessage(ctx context.Context, id string, role models.Role, content, outputDir string) (*models.ConversationSession, error) {
	body := map[string]string{
		"role":    string(role),
		"content": content,
	}
	if outputDir != "" {
		body["output_dir"] = outputDir
	}

	var result sessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/solver/sessions/"+url.PathEscape(id)+"/messages", body, &result); err != nil {
		return nil, err
	}
	return &result.ConversationSession, nil
}

// UpdateTokenStats replaces the token statistics of a session.
func (c *Client) UpdateTokenStats(ctx context.Context, id string, stats models.TokenStats) error {
	return c.do(ctx, http.MethodPut, "/api/v1/solver/sessions/"+url.PathEscape(id)+"/token-stats", stats, nil)
}

// ActivateSession makes a session the active one.
func (c *Client) ActivateSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	var result sessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/solver/sessions/"+url.PathEscape(id)+"/activate", nil, &result); err != nil {
		return nil, err
	}
	return &result.ConversationSession, nil
}

// DeleteSession removes a session from the backend.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/solver/sessions/"+url.PathEscape(id), nil, nil)
}
