// Package sync implements the client side of the push/pull protocol: it
// exports pipeline documents, exchanges them with the central server and
// moves the referenced artifacts through the configured transport backend.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/common-metadata/cmf-go/internal/query"
)

// Push statuses the server may answer with.
const (
	StatusSuccess        = "success"
	StatusExists         = "exists"
	StatusPipelineAbsent = "pipeline_not_exist"
	StatusVersionUpdate  = "version_update"
	StatusInvalidPayload = "invalid_json_payload"
)

var (
	// ErrVersionMismatch means the server requires a newer client. Fatal:
	// nothing was pushed and nothing must be uploaded.
	ErrVersionMismatch = errors.New("server requires a newer client, upgrade and retry")
	// ErrServerUnavailable wraps any non-2xx or transport-level failure
	// talking to the server.
	ErrServerUnavailable = errors.New("metadata server unavailable")
)

// Client talks to the central metadata server.
type Client struct {
	baseURL string
	hc      *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// ClientVersion is the wire version advertised on every push. Servers
// answer version_update when they stopped supporting it.
const ClientVersion = 1

type pushRequest struct {
	PipelineName  string `json:"pipeline_name"`
	ID            string `json:"id"`
	JSONPayload   string `json:"json_payload"`
	ClientVersion int    `json:"client_version"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// Push sends a pipeline document and returns the server's status.
func (c *Client) Push(ctx context.Context, pipeline, execUUID string, payload []byte) (string, error) {
	body, err := json.Marshal(pushRequest{
		PipelineName:  pipeline,
		ID:            execUUID,
		JSONPayload:   string(payload),
		ClientVersion: ClientVersion,
	})
	if err != nil {
		return "", fmt.Errorf("encode push request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mlmd_push", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("%w: push returned %s", ErrServerUnavailable, resp.Status)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode push response: %w", err)
	}
	return out.Status, nil
}

// Pull fetches the server's pipeline document, optionally filtered by
// execution uuid.
func (c *Client) Pull(ctx context.Context, pipeline, execUUID string) (query.Document, error) {
	url := c.baseURL + "/mlmd_pull/" + pipeline
	if execUUID != "" {
		url += "?exec_uuid=" + execUUID
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return query.Document{}, fmt.Errorf("build pull request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return query.Document{}, fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return query.Document{}, fmt.Errorf("pipeline %s not found on server", pipeline)
	}
	if resp.StatusCode/100 != 2 {
		return query.Document{}, fmt.Errorf("%w: pull returned %s", ErrServerUnavailable, resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return query.Document{}, fmt.Errorf("read pull response: %w", err)
	}
	return query.ParseDocument(raw)
}

// UploadFile posts one file to a side-channel endpoint (/python-env, /label
// or /tensorboard), keyed by pipeline name and base filename.
func (c *Client) UploadFile(ctx context.Context, endpoint, pipeline, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("pipeline_name", pipeline); err != nil {
		return fmt.Errorf("encode form: %w", err)
	}
	part, err := mw.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("encode form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("read %s: %w", filePath, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("upload %s: server returned %s", filePath, resp.Status)
	}
	return nil
}
