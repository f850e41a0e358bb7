package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/kermem/pkg/ai"
	"github.com/recallio/kermem/pkg/config"
	"github.com/recallio/kermem/pkg/decoders"
	"github.com/recallio/kermem/pkg/events"
	"github.com/recallio/kermem/pkg/handlers"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/pipeline"
	"github.com/recallio/kermem/pkg/queue"
	"github.com/recallio/kermem/pkg/search"
	"github.com/recallio/kermem/pkg/storage"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Pipeline.MaxTokensPerParagraph = 20
	cfg.Pipeline.MaxTokensPerLine = 10
	cfg.Pipeline.OverlappingTokens = 5
	cfg.Embedding.VectorSize = 32

	store := storage.NewMemoryStore()
	memory := memorydb.NewInMemoryDB()
	broker := queue.NewMemoryBroker(queue.DefaultOptions())
	embedder := ai.NewHashEmbedder(32, 0, 4)

	deps := handlers.Dependencies{
		Storage:  store,
		Memory:   memory,
		Embedder: embedder,
		Decoders: decoders.NewRegistry(),
		Config:   cfg,
	}
	orch := pipeline.New(store, broker, events.NewBroker(), cfg)
	for _, h := range []handlers.Handler{
		handlers.NewExtractHandler(deps),
		handlers.NewPartitionHandler(deps),
		handlers.NewEmbeddingsHandler(deps),
		handlers.NewSaveRecordsHandler(deps),
		handlers.NewDeleteDocumentHandler(deps),
		handlers.NewDeleteIndexHandler(deps),
	} {
		require.NoError(t, orch.AddHandler(h))
	}

	server := NewServer(orch, search.NewClient(memory, embedder, nil), memory, cfg)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		ts.Close()
		orch.Stop()
		_ = broker.Close()
	})
	return ts
}

type uploadSpec struct {
	documentID string
	index      string
	tags       []string
	files      map[string]string
}

func doUpload(t *testing.T, ts *httptest.Server, spec uploadSpec) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if spec.documentID != "" {
		require.NoError(t, mw.WriteField("documentId", spec.documentID))
	}
	if spec.index != "" {
		require.NoError(t, mw.WriteField("index", spec.index))
	}
	for _, tag := range spec.tags {
		require.NoError(t, mw.WriteField("tag", tag))
	}
	for name, content := range spec.files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func waitReady(t *testing.T, ts *httptest.Server, index, documentID string) {
	t.Helper()
	url := fmt.Sprintf("%s/upload-status?index=%s&documentId=%s&logs=true", ts.URL, index, documentID)
	for i := 0; i < 200; i++ {
		resp, err := http.Get(url)
		require.NoError(t, err)
		var status struct {
			Ready  bool   `json:"ready"`
			Status string `json:"status"`
			Logs   []any  `json:"logs"`
		}
		decodeBody(t, resp, &status)
		if status.Ready {
			return
		}
		if status.Status == "failed" {
			t.Fatalf("pipeline failed: %v", status.Logs)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("document never became ready")
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	return resp
}

func doDelete(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, ts.URL+path, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestUploadSearchRoundTrip(t *testing.T) {
	ts := testServer(t)

	resp := doUpload(t, ts, uploadSpec{
		documentID: "doc-1",
		tags:       []string{"type:news", "year:2024"},
		files: map[string]string{
			"facts.txt": "Honey never spoils because bees dehydrate the nectar below the threshold bacteria need.",
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		Index      string `json:"index"`
		DocumentID string `json:"documentId"`
	}
	decodeBody(t, resp, &accepted)
	assert.Equal(t, "default", accepted.Index)
	assert.Equal(t, "doc-1", accepted.DocumentID)

	waitReady(t, ts, "default", "doc-1")

	resp = postJSON(t, ts, "/search", map[string]any{
		"query": "why does honey not spoil",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results struct {
		Results []struct {
			DocumentID string  `json:"document_id"`
			Text       string  `json:"text"`
			Score      float64 `json:"score"`
		} `json:"results"`
	}
	decodeBody(t, resp, &results)
	require.NotEmpty(t, results.Results)
	assert.Equal(t, "doc-1", results.Results[0].DocumentID)
	assert.Contains(t, results.Results[0].Text, "Honey")
	assert.Greater(t, results.Results[0].Score, 0.0)
}

// Tag filters narrow retrieval: an OR of AND clauses selects documents
// by the tags they were uploaded with.
func TestSearchWithTagFilters(t *testing.T) {
	ts := testServer(t)

	resp := doUpload(t, ts, uploadSpec{
		documentID: "news-1",
		tags:       []string{"type:news", "year:2024"},
		files:      map[string]string{"a.txt": "glaciers retreat as global temperatures climb"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	resp = doUpload(t, ts, uploadSpec{
		documentID: "mail-1",
		tags:       []string{"type:email"},
		files:      map[string]string{"b.txt": "glaciers mentioned in passing in a trip report"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	waitReady(t, ts, "default", "news-1")
	waitReady(t, ts, "default", "mail-1")

	// (type=news AND year=2024) OR (type=email) matches both.
	resp = postJSON(t, ts, "/search", map[string]any{
		"query": "glaciers",
		"filters": []map[string][]string{
			{"type": {"news"}, "year": {"2024"}},
			{"type": {"email"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results struct {
		Results []struct {
			DocumentID string `json:"document_id"`
		} `json:"results"`
	}
	decodeBody(t, resp, &results)
	assert.Len(t, results.Results, 2)

	// type=email alone excludes the news document.
	resp = postJSON(t, ts, "/search", map[string]any{
		"query": "glaciers",
		"filters": []map[string][]string{
			{"type": {"email"}},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &results)
	require.Len(t, results.Results, 1)
	assert.Equal(t, "mail-1", results.Results[0].DocumentID)
}

func TestAskWithoutTextGeneration(t *testing.T) {
	ts := testServer(t)

	resp := doUpload(t, ts, uploadSpec{
		documentID: "doc-1",
		files:      map[string]string{"a.txt": "the capital of France is Paris"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	waitReady(t, ts, "default", "doc-1")

	// No text generator is wired: retrieval still runs, the answer text
	// falls back to the not-found marker but citations are returned.
	resp = postJSON(t, ts, "/ask", map[string]any{
		"question": "what is the capital of France",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer struct {
		Text      string `json:"text"`
		Citations []struct {
			DocumentID string `json:"document_id"`
		} `json:"citations"`
	}
	decodeBody(t, resp, &answer)
	assert.Equal(t, search.NotFoundAnswer, answer.Text)
	require.NotEmpty(t, answer.Citations)
	assert.Equal(t, "doc-1", answer.Citations[0].DocumentID)
}

func TestUploadValidation(t *testing.T) {
	ts := testServer(t)

	// No files.
	resp := doUpload(t, ts, uploadSpec{documentID: "doc-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Malformed tag.
	resp = doUpload(t, ts, uploadSpec{
		documentID: "doc-1",
		tags:       []string{"notagdelimiter"},
		files:      map[string]string{"a.txt": "text"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	decodeBody(t, resp, &body)
	assert.Contains(t, body.Error, "not key:value")

	// Invalid document id.
	resp = doUpload(t, ts, uploadSpec{
		documentID: "bad id!",
		files:      map[string]string{"a.txt": "text"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadStatusErrors(t *testing.T) {
	ts := testServer(t)

	resp, err := http.Get(ts.URL + "/upload-status?index=default")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/upload-status?index=default&documentId=missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchRequiresQuery(t *testing.T) {
	ts := testServer(t)
	resp := postJSON(t, ts, "/search", map[string]any{"index": "default"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSearchUnknownIndexReturnsEmpty(t *testing.T) {
	ts := testServer(t)
	resp := postJSON(t, ts, "/search", map[string]any{
		"index": "nowhere",
		"query": "anything",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var results struct {
		Results []any `json:"results"`
	}
	decodeBody(t, resp, &results)
	assert.Empty(t, results.Results)
}

func TestDeleteDocumentAndIndex(t *testing.T) {
	ts := testServer(t)

	resp := doUpload(t, ts, uploadSpec{
		documentID: "doc-1",
		files:      map[string]string{"a.txt": "content scheduled for deletion"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()
	waitReady(t, ts, "default", "doc-1")

	resp = doDelete(t, ts, "/indexes/default/documents/doc-1")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	statusResp, err := http.Get(ts.URL + "/upload-status?index=default&documentId=doc-1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, statusResp.StatusCode)
	statusResp.Body.Close()

	resp = doDelete(t, ts, "/indexes/default")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/indexes")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list struct {
		Indexes []string `json:"indexes"`
	}
	decodeBody(t, listResp, &list)
	assert.Empty(t, list.Indexes)
}

func TestHealthz(t *testing.T) {
	ts := testServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "ok"))
}
