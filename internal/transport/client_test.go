package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/shipyard-go/internal/models"
)

func TestSubmitCarriesCorrelationContract(t *testing.T) {
	var gotCorrelation, gotSession, gotFilename string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotCorrelation = r.FormValue("correlation_id")
		gotSession = r.FormValue("session_id")
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			gotFilename = fhs[0].Filename
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accepted": true, "document_id": "doc-7"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	resp, err := c.Submit(context.Background(), Request{
		Key:       "item-42",
		SessionID: "sess-1",
		File:      models.FileRef{Name: "report.pdf", Size: 4, Data: []byte("data")},
	})
	require.NoError(t, err)

	assert.True(t, resp.Accepted)
	assert.Equal(t, "doc-7", resp.DocumentID)
	assert.Equal(t, "item-42", gotCorrelation)
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "report.pdf", gotFilename)
}

func TestSubmitReadsPathPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	var gotSize int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		if fhs := r.MultipartForm.File["file"]; len(fhs) > 0 {
			gotSize = fhs[0].Size
		}
		w.Write([]byte(`{"accepted": true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	_, err := c.Submit(context.Background(), Request{
		Key:  "item-1",
		File: models.FileRef{Name: "notes.txt", Path: path},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), gotSize)
}

func TestSubmitValidation(t *testing.T) {
	c := NewClient("http://unused.invalid", time.Second)

	cases := []struct {
		name string
		req  Request
	}{
		{"missing correlation id", Request{File: models.FileRef{Name: "a", Data: []byte("x")}}},
		{"missing file name", Request{Key: "k", File: models.FileRef{Data: []byte("x")}}},
		{"missing payload", Request{Key: "k", File: models.FileRef{Name: "a"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr, "validation failures must never reach the network")
		})
	}
}

func TestSubmitTransportFailures(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", time.Second)
		_, err := c.Submit(context.Background(), Request{
			Key:  "k",
			File: models.FileRef{Name: "a", Data: []byte("x")},
		})
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
	})

	t.Run("server error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer server.Close()

		c := NewClient(server.URL, time.Second)
		_, err := c.Submit(context.Background(), Request{
			Key:  "k",
			File: models.FileRef{Name: "a", Data: []byte("x")},
		})
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.Contains(t, err.Error(), "502")
	})

	t.Run("context cancelled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		c := NewClient(server.URL, time.Second)
		_, err := c.Submit(ctx, Request{
			Key:  "k",
			File: models.FileRef{Name: "a", Data: []byte("x")},
		})
		require.Error(t, err)
		var terr *TransportError
		require.ErrorAs(t, err, &terr)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestSubmitDuplicateSignal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"accepted": true, "duplicate": true, "document_id": "doc-1"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	resp, err := c.Submit(context.Background(), Request{
		Key:  "k",
		File: models.FileRef{Name: "a", Data: []byte("x")},
	})
	require.NoError(t, err, "a duplicate signal is an outcome, not an error")
	assert.True(t, resp.Duplicate)
}
