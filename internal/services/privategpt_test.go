package services_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/MegaGrindStone/rag-web-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deltaLine(content string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []any{
			map[string]any{"delta": map[string]any{"content": content}},
		},
	})
	return "data: " + string(b) + "\n\n"
}

// streamServer writes every part as a separate, flushed network write.
func streamServer(t *testing.T, parts []string, check func(*http.Request)) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer is not a flusher")
			return
		}
		for _, p := range parts {
			_, _ = io.WriteString(w, p)
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type chatResult struct {
	answer  string
	sources []models.Source
	done    bool
	events  int
	err     error
}

func collectChat(t *testing.T, p services.PrivateGPT, msgs []models.Message) chatResult {
	t.Helper()

	var res chatResult
	for ev, err := range p.Chat(context.Background(), msgs, true) {
		if err != nil {
			res.err = err
			break
		}
		res.events++
		switch ev.Kind {
		case models.StreamEventDelta:
			res.answer += ev.Delta
		case models.StreamEventSources:
			res.sources = ev.Sources
		case models.StreamEventDone:
			res.done = true
		}
	}
	return res
}

func TestPrivateGPTChat(t *testing.T) {
	userMsgs := []models.Message{
		{Role: models.RoleSystem, Content: "You are a Senior MEAL Expert."},
		{Role: models.RoleUser, Content: "What is MEAL?"},
	}

	tests := []struct {
		name        string
		parts       []string
		wantAnswer  string
		wantSources []models.Source
	}{
		{
			name: "Deltas are concatenated in order",
			parts: []string{
				`data:{"choices":[{"delta":{"content":"MEAL "}}]}` + "\n\n",
				`data:{"choices":[{"delta":{"content":"means..."}}]}` + "\n\n",
				"data:[DONE]\n\n",
			},
			wantAnswer: "MEAL means...",
		},
		{
			name: "Malformed line doesn't interrupt the stream",
			parts: []string{
				deltaLine("Monitoring, "),
				"data: not-json\n\n",
				deltaLine("Evaluation"),
				"data: [DONE]\n\n",
			},
			wantAnswer: "Monitoring, Evaluation",
		},
		{
			name: "Lines without blank separators are handled one by one",
			parts: []string{
				strings.TrimSuffix(deltaLine("a"), "\n") +
					"data: {broken\n" +
					strings.TrimSuffix(deltaLine("b"), "\n") +
					"data: [DONE]\n\n",
			},
			wantAnswer: "ab",
		},
		{
			name: "Line split across reads is reassembled",
			parts: []string{
				`data: {"choices":[{"delta":{"con`,
				`tent":"split"}}]}` + "\n\n",
				deltaLine(" line"),
				"data: [DONE]\n\n",
			},
			wantAnswer: "split line",
		},
		{
			name: "Sources of the last event are kept",
			parts: []string{
				deltaLine("Answer"),
				`data: {"choices":[{"delta":{}}],"sources":[{"document":{"doc_metadata":{"file_name":"old.pdf"}}}]}` + "\n\n",
				`data: {"choices":[{"delta":{}}],"sources":[` +
					`{"text":"t1","document":{"doc_id":"1","doc_metadata":{"file_name":"report.pdf"}}},` +
					`{"doc_metadata":{"file_name":"plan.docx"}},` +
					`{"file_name":"notes.txt"},` +
					`{"document":{"doc_id":"4"}}]}` + "\n\n",
				"data: [DONE]\n\n",
			},
			wantAnswer: "Answer",
			wantSources: []models.Source{
				{FileName: "report.pdf", Text: "t1"},
				{FileName: "plan.docx"},
				{FileName: "notes.txt"},
				{FileName: models.DefaultDocumentName},
			},
		},
		{
			name: "Sources inside the choice are accepted",
			parts: []string{
				`data: {"choices":[{"delta":{"content":"x"},"sources":[{"document":{"doc_metadata":{"file_name":"a.pdf"}}}]}]}` + "\n\n",
				"data: [DONE]\n\n",
			},
			wantAnswer:  "x",
			wantSources: []models.Source{{FileName: "a.pdf"}},
		},
		{
			name: "Sources larger than a scanner buffer are read",
			parts: []string{
				deltaLine("a"),
				`data: {"sources":[{"text":"` + strings.Repeat("x", 200000) +
					`","document":{"doc_metadata":{"file_name":"big.pdf"}}}]}` + "\n\n",
				"data: [DONE]\n\n",
			},
			wantAnswer:  "a",
			wantSources: []models.Source{{FileName: "big.pdf", Text: strings.Repeat("x", 200000)}},
		},
		{
			name: "Stream ending without DONE still finishes",
			parts: []string{
				deltaLine("partial"),
			},
			wantAnswer: "partial",
		},
		{
			name: "Nothing after DONE is read",
			parts: []string{
				deltaLine("first"),
				"data: [DONE]\n\n",
				deltaLine("ignored"),
			},
			wantAnswer: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := streamServer(t, tt.parts, nil)
			p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())

			res := collectChat(t, p, userMsgs)
			require.NoError(t, res.err)
			assert.True(t, res.done)
			assert.Equal(t, tt.wantAnswer, res.answer)
			assert.Equal(t, tt.wantSources, res.sources)
		})
	}
}

func TestPrivateGPTChatRequest(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "system"},
		{Role: models.RoleUser, Content: "What is MEAL?"},
	}

	var got struct {
		Messages       []models.Message `json:"messages"`
		UseContext     bool             `json:"use_context"`
		IncludeSources bool             `json:"include_sources"`
		Stream         bool             `json:"stream"`
	}
	var path, auth, method string
	srv := streamServer(t, []string{"data: [DONE]\n\n"}, func(r *http.Request) {
		path = r.URL.Path
		method = r.Method
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
	})

	p := services.NewPrivateGPT(srv.URL+"/", "secret", srv.Client(), testLogger())
	res := collectChat(t, p, msgs)
	require.NoError(t, res.err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/v1/chat/completions", path)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, msgs, got.Messages)
	assert.True(t, got.UseContext)
	assert.True(t, got.IncludeSources)
	assert.True(t, got.Stream)
}

func TestPrivateGPTChatFailure(t *testing.T) {
	t.Run("Non-2xx status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "backend down", http.StatusBadGateway)
		}))
		defer srv.Close()

		p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
		res := collectChat(t, p, nil)
		require.Error(t, res.err)
		assert.Contains(t, res.err.Error(), "502")
		assert.Zero(t, res.events)
	})

	t.Run("Connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		p := services.NewPrivateGPT(url, "", nil, testLogger())
		res := collectChat(t, p, nil)
		require.Error(t, res.err)
		assert.Zero(t, res.events)
	})
}

func TestPrivateGPTChatMaxEventSize(t *testing.T) {
	parts := []string{deltaLine(strings.Repeat("y", 1024)), "data: [DONE]\n\n"}

	srv := streamServer(t, parts, nil)
	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger()).WithMaxEventSize(256)
	res := collectChat(t, p, nil)
	require.Error(t, res.err)
	assert.Empty(t, res.answer)

	srv = streamServer(t, parts, nil)
	p = services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger()).WithMaxEventSize(0)
	res = collectChat(t, p, nil)
	require.NoError(t, res.err)
	assert.Equal(t, strings.Repeat("y", 1024), res.answer)
}

func TestPrivateGPTChatStopsWhenConsumerStops(t *testing.T) {
	srv := streamServer(t, []string{deltaLine("a"), deltaLine("b"), deltaLine("c"), "data: [DONE]\n\n"}, nil)
	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())

	var got []string
	for ev, err := range p.Chat(context.Background(), nil, false) {
		require.NoError(t, err)
		got = append(got, ev.Delta)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPrivateGPTChunks(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chunks", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"data":[
			{"text":"MEAL stands for...","document":{"doc_id":"1","doc_metadata":{"file_name":"guide.pdf"}}},
			{"text":"Indicators are...","document":{"doc_id":"2"}}
		]}`)
	}))
	defer srv.Close()

	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
	chunks, err := p.Chunks(context.Background(), "indicators", 5, 0)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"text": "indicators", "limit": float64(5), "prev_next_chunks": float64(0)}, got)
	assert.Equal(t, []models.Chunk{
		{Text: "MEAL stands for...", FileName: "guide.pdf"},
		{Text: "Indicators are...", FileName: models.DefaultDocumentName},
	}, chunks)
}

func TestPrivateGPTDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/ingest/list", r.URL.Path)
		_, _ = io.WriteString(w, `{"data":[
			{"doc_id":"a1","doc_metadata":{"file_name":"guide.pdf","page_label":"1"}},
			{"doc_id":"a2","doc_metadata":{"file_name":"guide.pdf"}},
			{"doc_id":"b1","doc_metadata":null}
		]}`)
	}))
	defer srv.Close()

	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
	docs, err := p.Documents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Document{
		{ID: "a1", FileName: "guide.pdf"},
		{ID: "a2", FileName: "guide.pdf"},
		{ID: "b1"},
	}, docs)
}

func TestPrivateGPTIngest(t *testing.T) {
	var gotName, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ingest/file", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		b, _ := io.ReadAll(f)
		gotName, gotContent = hdr.Filename, string(b)
		_, _ = io.WriteString(w, `{"object":"list","data":[]}`)
	}))
	defer srv.Close()

	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
	err := p.Ingest(context.Background(), "guide.txt", strings.NewReader("MEAL guide"))
	require.NoError(t, err)
	assert.Equal(t, "guide.txt", gotName)
	assert.Equal(t, "MEAL guide", gotContent)
}

func TestPrivateGPTIngestFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unsupported file", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
	err := p.Ingest(context.Background(), "x.bin", strings.NewReader("data"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported file")
}

func TestPrivateGPTDeleteDocument(t *testing.T) {
	var deleted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		deleted = append(deleted, strings.TrimPrefix(r.URL.Path, "/v1/ingest/"))
	}))
	defer srv.Close()

	p := services.NewPrivateGPT(srv.URL, "", srv.Client(), testLogger())
	for i := range 2 {
		require.NoError(t, p.DeleteDocument(context.Background(), fmt.Sprintf("doc-%d", i)))
	}
	assert.Equal(t, []string{"doc-0", "doc-1"}, deleted)
}
