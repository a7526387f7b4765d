// Package api is the typed REST client for the workspace API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/capitalize-ai/rag-workspace/internal/model"
)

// APIError is a non-success response. Detail carries the server's "detail"
// field, or the status text when the body has none, or a generic message
// for unregistered statuses.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Detail)
}

// Config holds client settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls the workspace API with a bearer credential.
type Client struct {
	baseURL string
	token   string
	// http serves request/response calls; stream has no overall timeout
	// since chat streams stay open for the whole reply.
	http   *http.Client
	stream *http.Client
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		stream:  &http.Client{},
	}
}

// ChatRequest is the body of one chat turn.
type ChatRequest = model.ChatRequest

// StreamChat submits a chat turn and returns the open response body. The
// caller must close it. Non-success statuses come back as *APIError with no
// body to read.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (io.ReadCloser, error) {
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// ListSessions lists the viewer's stored conversations.
func (c *Client) ListSessions(ctx context.Context) ([]model.SessionSummary, error) {
	var out []model.SessionSummary
	err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &out)
	return out, err
}

// GetConversation loads a stored conversation with its messages.
func (c *Client) GetConversation(ctx context.Context, id model.SessionID) (model.Conversation, error) {
	var out model.Conversation
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+id.String()+"/messages", nil, &out)
	return out, err
}

// ListDocuments lists the viewer's personal documents.
func (c *Client) ListDocuments(ctx context.Context) ([]model.Document, error) {
	var out []model.Document
	err := c.do(ctx, http.MethodGet, "/api/documents/", nil, &out)
	return out, err
}

// ListFolders lists the viewer's personal folders.
func (c *Client) ListFolders(ctx context.Context) ([]model.Folder, error) {
	var out []model.Folder
	err := c.do(ctx, http.MethodGet, "/api/folders", nil, &out)
	return out, err
}

// ListSharedDocuments lists shared documents visible to the viewer.
func (c *Client) ListSharedDocuments(ctx context.Context) ([]model.SharedDocument, error) {
	var out []model.SharedDocument
	err := c.do(ctx, http.MethodGet, "/api/shared-documents/", nil, &out)
	return out, err
}

// ListSharedFolders lists shared folders visible to the viewer.
func (c *Client) ListSharedFolders(ctx context.Context) ([]model.SharedFolder, error) {
	var out []model.SharedFolder
	err := c.do(ctx, http.MethodGet, "/api/shared-documents/folders", nil, &out)
	return out, err
}

// ToggleDocument flips a personal document's active flag and returns the new value.
func (c *Client) ToggleDocument(ctx context.Context, id int64) (bool, error) {
	var out struct {
		IsActive bool `json:"is_active"`
	}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/documents/%d/toggle", id), nil, &out)
	return out.IsActive, err
}

// ToggleSharedVisibility flips a shared document's visibility (admin).
func (c *Client) ToggleSharedVisibility(ctx context.Context, id int64) (bool, error) {
	var out struct {
		IsVisible bool `json:"is_visible"`
	}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/shared-documents/%d/toggle-visibility", id), nil, &out)
	return out.IsVisible, err
}

// ToggleSharedRAG flips a shared document's organization-wide RAG flag (admin).
func (c *Client) ToggleSharedRAG(ctx context.Context, id int64) (bool, error) {
	var out struct {
		IsRAGActive bool `json:"is_rag_active"`
	}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/shared-documents/%d/toggle-rag", id), nil, &out)
	return out.IsRAGActive, err
}

// ToggleSharedPreference flips the viewer's own preference for a shared document.
func (c *Client) ToggleSharedPreference(ctx context.Context, id int64) (bool, error) {
	var out struct {
		UserRAGActive bool `json:"user_rag_active"`
	}
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/api/shared-documents/%d/toggle-user", id), nil, &out)
	return out.UserRAGActive, err
}

// ReprocessDocument restarts ingestion of a personal document.
func (c *Client) ReprocessDocument(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/documents/%d/reprocess", id), nil, nil)
}

// ReprocessSharedDocument restarts ingestion of a shared document (admin).
func (c *Client) ReprocessSharedDocument(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/shared-documents/%d/reprocess", id), nil, nil)
}

// DeleteDocument deletes a personal document.
func (c *Client) DeleteDocument(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil, nil)
}

// UploadFile is one file of a multipart upload.
type UploadFile struct {
	Name string
	Data io.Reader
}

// UploadDocuments uploads personal documents. Unsupported types are skipped
// by the server and absent from the acknowledgments.
func (c *Client) UploadDocuments(ctx context.Context, files []UploadFile) ([]model.UploadAck, error) {
	return c.upload(ctx, "/api/documents/", files, nil)
}

// UploadSharedDocuments uploads documents into a shared folder (admin).
func (c *Client) UploadSharedDocuments(ctx context.Context, folderID int64, files []UploadFile) ([]model.UploadAck, error) {
	return c.upload(ctx, "/api/shared-documents/", files, map[string]string{"folder_id": fmt.Sprint(folderID)})
}

func (c *Client) upload(ctx context.Context, path string, files []UploadFile, fields map[string]string) ([]model.UploadAck, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("write form field: %w", err)
		}
	}
	for _, f := range files {
		part, err := mw.CreateFormFile("files", f.Name)
		if err != nil {
			return nil, fmt.Errorf("create form file: %w", err)
		}
		if _, err := io.Copy(part, f.Data); err != nil {
			return nil, fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	var acks []model.UploadAck
	if err := c.send(req, &acks); err != nil {
		return nil, err
	}
	return acks, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	req, err := c.newJSONRequest(ctx, method, path, in)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) newJSONRequest(ctx context.Context, method, path string, in any) (*http.Request, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	return req, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if json.Unmarshal(body.Detail, &s) == nil {
			apiErr.Detail = s
		} else {
			// Validation errors carry a structured detail.
			apiErr.Detail = string(body.Detail)
		}
	}
	if apiErr.Detail == "" {
		apiErr.Detail = http.StatusText(resp.StatusCode)
	}
	if apiErr.Detail == "" {
		apiErr.Detail = fmt.Sprintf("Request failed with status %d", resp.StatusCode)
	}
	return apiErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}
