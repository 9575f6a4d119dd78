package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/antoniostano/posegen/internal/auth"
	"github.com/antoniostano/posegen/internal/generation"
	"github.com/antoniostano/posegen/internal/policy"
	"github.com/antoniostano/posegen/internal/protocol"
	"github.com/antoniostano/posegen/internal/reliability"
)

const maxErrorBody = 4 << 10

// HTTPClient calls the generation service REST API with a bearer credential.
type HTTPClient struct {
	baseURL string
	creds   auth.Credentials
	client  *http.Client
	now     func() time.Time
}

func NewHTTPClient(baseURL string, creds auth.Credentials, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		creds:   creds,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type entityJobRequest struct {
	EntityID string `json:"entity_id"`
	Notes    string `json:"notes,omitempty"`
}

type uploadJobRequest struct {
	UploadID string `json:"upload_id"`
	EntityID string `json:"entity_id,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type textJobRequest struct {
	Description string `json:"description"`
	EntityID    string `json:"entity_id,omitempty"`
}

type regenerateJobRequest struct {
	EntityID          string `json:"entity_id"`
	ReferenceImageURL string `json:"reference_image_url,omitempty"`
	UploadID          string `json:"upload_id,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

type uploadResponse struct {
	UploadID string `json:"upload_id"`
}

type errorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
}

func (c *HTTPClient) Upload(ctx context.Context, filename string, body io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, body); err != nil {
		return "", fmt.Errorf("copy upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	var out uploadResponse
	if err := c.do(ctx, http.MethodPost, "/v1/uploads", mw.FormDataContentType(), &buf, &out); err != nil {
		return "", err
	}
	id := strings.TrimSpace(out.UploadID)
	if id == "" {
		return "", errors.New("upload response missing upload_id")
	}
	return id, nil
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (Submission, error) {
	var (
		path    string
		payload any
	)
	switch req.Mode {
	case generation.ModeFromEntity:
		path = "/v1/generate/entity"
		payload = entityJobRequest{EntityID: req.EntityID, Notes: req.Notes}
	case generation.ModeFromUpload:
		path = "/v1/generate/upload"
		payload = uploadJobRequest{UploadID: req.UploadID, EntityID: req.EntityID, Notes: req.Notes}
	case generation.ModeFromText:
		path = "/v1/generate/text"
		payload = textJobRequest{Description: req.Description, EntityID: req.EntityID}
	case generation.ModeRegenerate:
		path = "/v1/generate/regenerate"
		payload = regenerateJobRequest{
			EntityID:          req.EntityID,
			ReferenceImageURL: req.ReferenceImageURL,
			UploadID:          req.UploadID,
			Notes:             req.Notes,
		}
	default:
		return Submission{}, fmt.Errorf("unsupported generation mode %q", req.Mode)
	}

	var resp protocol.SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return Submission{}, err
	}
	sub := submissionFromWire(resp)
	if sub.TaskID == "" {
		return Submission{}, errors.New("submit response missing task_id")
	}
	return sub, nil
}

func (c *HTTPClient) Status(ctx context.Context, taskID string) (protocol.StatusPayload, error) {
	var out protocol.StatusPayload
	path := "/v1/generate/status/" + url.PathEscape(taskID)
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return protocol.StatusPayload{}, err
	}
	return out, nil
}

func (c *HTTPClient) Apply(ctx context.Context, entityID, taskID string) (json.RawMessage, error) {
	var out json.RawMessage
	path := fmt.Sprintf("/v1/entities/%s/apply-generation/%s", url.PathEscape(entityID), url.PathEscape(taskID))
	if err := c.do(ctx, http.MethodPost, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, payload, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(b), out)
}

func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.creds != nil {
		if tok := c.creds.AccessToken(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %s", policy.Redact(err.Error()))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return c.apiError(res)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) apiError(res *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: res.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
	}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		apiErr.Code = strings.TrimSpace(eb.Code)
		for _, msg := range []string{eb.Message, eb.Detail, eb.Error} {
			if strings.TrimSpace(msg) != "" {
				apiErr.Message = strings.TrimSpace(msg)
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(res.StatusCode)
	}
	apiErr.Message = policy.Redact(apiErr.Message)
	if d, ok := reliability.ParseRetryAfter(res.Header.Get("Retry-After"), c.now()); ok {
		apiErr.RetryAfter = d
	}
	return apiErr
}
