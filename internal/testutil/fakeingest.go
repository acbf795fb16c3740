// A fake of the remote ingestion pipeline: accepts multipart submissions
// and serves one websocket progress channel per correlation id, with
// helpers for tests to push events or drop channels with a chosen close
// code.

package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

// Submission records one multipart request the fake received.
type Submission struct {
	CorrelationID models.CorrelationKey
	SessionID     string
	Filename      string
	Size          int
}

// IngestResponse is the JSON body the fake returns for a submission. It
// mirrors the pipeline's synchronous answer.
type IngestResponse struct {
	Accepted   bool   `json:"accepted"`
	Duplicate  bool   `json:"duplicate"`
	DocumentID string `json:"document_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FakeIngest stands in for the remote pipeline in tests.
type FakeIngest struct {
	Server *httptest.Server

	// Respond, if set, decides the synchronous response per submission.
	// The default accepts everything.
	Respond func(sub Submission) IngestResponse

	mu          sync.Mutex
	upgrader    websocket.Upgrader
	conns       map[models.CorrelationKey]*websocket.Conn
	submissions []Submission
}

// NewFakeIngest starts the fake and registers its shutdown with t.Cleanup.
func NewFakeIngest(t *testing.T) *FakeIngest {
	t.Helper()
	f := &FakeIngest{
		conns: make(map[models.CorrelationKey]*websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingest", f.handleIngest)
	mux.HandleFunc("/ws/progress", f.handleProgress)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)
	return f
}

// URL is the submission endpoint.
func (f *FakeIngest) URL() string { return f.Server.URL + "/api/ingest" }

// WsURL is the progress channel endpoint.
func (f *FakeIngest) WsURL() string {
	return "ws" + strings.TrimPrefix(f.Server.URL, "http") + "/ws/progress"
}

func (f *FakeIngest) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "bad multipart", http.StatusBadRequest)
		return
	}
	sub := Submission{
		CorrelationID: models.CorrelationKey(r.FormValue("correlation_id")),
		SessionID:     r.FormValue("session_id"),
	}
	if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
		sub.Filename = fhs[0].Filename
		sub.Size = int(fhs[0].Size)
	}

	f.mu.Lock()
	f.submissions = append(f.submissions, sub)
	respond := f.Respond
	f.mu.Unlock()

	resp := IngestResponse{Accepted: true}
	if respond != nil {
		resp = respond(sub)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *FakeIngest) handleProgress(w http.ResponseWriter, r *http.Request) {
	key := models.CorrelationKey(r.URL.Query().Get("correlation_id"))
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	f.mu.Lock()
	f.conns[key] = conn
	f.mu.Unlock()

	// Drain client frames so close handshakes complete.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Submissions returns everything submitted so far.
func (f *FakeIngest) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.submissions...)
}

// WaitForSession blocks until a channel for key is open or the timeout
// expires.
func (f *FakeIngest) WaitForSession(t *testing.T, key models.CorrelationKey, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		_, ok := f.conns[key]
		f.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("No progress channel opened for %s within %s", key, timeout)
}

// PushEvent sends a progress event down the channel for key.
func (f *FakeIngest) PushEvent(t *testing.T, key models.CorrelationKey, event models.ProgressEvent) {
	t.Helper()
	f.mu.Lock()
	conn, ok := f.conns[key]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("No progress channel open for %s", key)
	}
	if err := conn.WriteJSON(event); err != nil {
		t.Fatalf("Failed to push event for %s: %v", key, err)
	}
}

// DropChannel closes the channel for key with the given close code, as if
// the remote side went away.
func (f *FakeIngest) DropChannel(t *testing.T, key models.CorrelationKey, code int) {
	t.Helper()
	f.mu.Lock()
	conn, ok := f.conns[key]
	delete(f.conns, key)
	f.mu.Unlock()
	if !ok {
		t.Fatalf("No progress channel open for %s", key)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	conn.Close()
}
