// The submission client for the ingest pipeline. Only the correlation
// contract matters to the rest of the engine: the correlation id rides in
// the multipart form and the response may carry an immediate duplicate
// signal; everything after that arrives over the item's progress channel.

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

// Request is one item's submission to the pipeline.
type Request struct {
	Key       models.CorrelationKey
	SessionID string
	File      models.FileRef
	Metadata  map[string]string
}

// Response is the pipeline's synchronous answer. Duplicate is a recognized
// terminal outcome, not an error.
type Response struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate"`
	DocumentID string `json:"document_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Submitter sends one item's file to the ingest pipeline.
type Submitter interface {
	Submit(ctx context.Context, req Request) (*Response, error)
}

// Client is the HTTP Submitter used in production.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// NewClient returns a Client posting to endpoint. The request timeout bounds
// submissions whose response would otherwise never resolve.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) Submit(ctx context.Context, req Request) (*Response, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	writer.WriteField("correlation_id", req.Key.String())
	writer.WriteField("session_id", req.SessionID)
	if len(req.Metadata) > 0 {
		meta, _ := json.Marshal(req.Metadata)
		writer.WriteField("metadata", string(meta))
	}

	part, err := writer.CreateFormFile("file", req.File.Name)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	if err := writePayload(part, req.File); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &TransportError{Op: "submit", Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)}
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Op: "decode response", Err: err}
	}
	return &out, nil
}

func validate(req Request) error {
	if req.Key == "" {
		return &ValidationError{Reason: "missing correlation id"}
	}
	if req.File.Name == "" {
		return &ValidationError{Reason: "file has no name"}
	}
	if len(req.File.Data) == 0 && req.File.Path == "" {
		return &ValidationError{Reason: "file " + req.File.Name + " has no payload or path"}
	}
	return nil
}

func writePayload(w io.Writer, f models.FileRef) error {
	if len(f.Data) > 0 {
		_, err := w.Write(f.Data)
		if err != nil {
			return &TransportError{Op: "write payload", Err: err}
		}
		return nil
	}
	src, err := os.Open(filepath.Clean(f.Path))
	if err != nil {
		return &TransportError{Op: "open " + f.Name, Err: err}
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return &TransportError{Op: "write payload", Err: err}
	}
	return nil
}
