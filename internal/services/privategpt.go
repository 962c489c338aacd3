package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// PrivateGPT is a client of a PrivateGPT-compatible backend. It streams chat completions, searches
// chunks of the ingested documents, and manages the ingested documents.
type PrivateGPT struct {
	baseURL string
	apiKey  string

	client *http.Client
	// maxEventSize bounds a single stream event. Sources carry whole chunk texts, so a single
	// event can be much larger than a text fragment.
	maxEventSize int

	logger *slog.Logger
}

type privateGPTChatRequest struct {
	Messages       []models.Message `json:"messages"`
	UseContext     bool             `json:"use_context"`
	IncludeSources bool             `json:"include_sources"`
	Stream         bool             `json:"stream"`
}

type privateGPTStreamResponse struct {
	Choices []privateGPTStreamChoice `json:"choices"`
	Sources []privateGPTSource       `json:"sources"`
}

type privateGPTStreamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Sources []privateGPTSource `json:"sources"`
}

// privateGPTSource accepts every shape the backend has been seen to use for a source: the file
// name may be given directly, in the chunk's metadata, or in the metadata of the nested document.
type privateGPTSource struct {
	Text        string                 `json:"text"`
	FileName    string                 `json:"file_name"`
	DocMetadata *privateGPTDocMetadata `json:"doc_metadata"`
	Document    *privateGPTDocument    `json:"document"`
}

type privateGPTDocument struct {
	DocID       string                 `json:"doc_id"`
	DocMetadata *privateGPTDocMetadata `json:"doc_metadata"`
}

type privateGPTDocMetadata struct {
	FileName string `json:"file_name"`
}

type privateGPTChunksRequest struct {
	Text           string `json:"text"`
	Limit          int    `json:"limit"`
	PrevNextChunks int    `json:"prev_next_chunks"`
}

type privateGPTChunksResponse struct {
	Data []privateGPTSource `json:"data"`
}

type privateGPTIngestListResponse struct {
	Data []privateGPTDocument `json:"data"`
}

const (
	streamDoneData = "[DONE]"

	// DefaultMaxStreamEventSize is the default bound of a single chat stream event.
	DefaultMaxStreamEventSize = 16 << 20
)

// NewPrivateGPT creates a new PrivateGPT client for the backend at baseURL. The apiKey is sent as a
// bearer token when it's not empty. If client is nil, http.DefaultClient is used.
func NewPrivateGPT(baseURL, apiKey string, client *http.Client, logger *slog.Logger) PrivateGPT {
	if client == nil {
		client = http.DefaultClient
	}
	return PrivateGPT{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		apiKey:       apiKey,
		client:       client,
		maxEventSize: DefaultMaxStreamEventSize,
		logger:       logger.With(slog.String("module", "privategpt")),
	}
}

// WithMaxEventSize returns a copy of p that accepts chat stream events up to n bytes. A value
// lower than 1 keeps the current bound.
func (p PrivateGPT) WithMaxEventSize(n int) PrivateGPT {
	if n > 0 {
		p.maxEventSize = n
	}
	return p
}

func (s privateGPTSource) fileName() string {
	switch {
	case s.Document != nil && s.Document.DocMetadata != nil && s.Document.DocMetadata.FileName != "":
		return s.Document.DocMetadata.FileName
	case s.DocMetadata != nil && s.DocMetadata.FileName != "":
		return s.DocMetadata.FileName
	case s.FileName != "":
		return s.FileName
	}
	return models.DefaultDocumentName
}

func toSources(ss []privateGPTSource) []models.Source {
	res := make([]models.Source, len(ss))
	for i, s := range ss {
		res[i] = models.Source{
			FileName: s.fileName(),
			Text:     s.Text,
		}
	}
	return res
}

// Chat sends messages to the chat-completion endpoint and streams the answer back. The returned
// iterator yields a StreamEventDelta for every text fragment, a StreamEventSources whenever the
// backend reports the sources of the answer, and a final StreamEventDone. A payload that can't be
// parsed is skipped. A transport failure, including a non-2xx status, is yielded as the only error
// and ends the iteration.
func (p PrivateGPT) Chat(
	ctx context.Context,
	messages []models.Message,
	useContext bool,
) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		reqBody := privateGPTChatRequest{
			Messages:       messages,
			UseContext:     useContext,
			IncludeSources: true,
			Stream:         true,
		}
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		p.logger.Debug("Chat request", slog.String("body", string(jsonBody)))

		resp, err := p.doRequest(ctx, http.MethodPost, "/v1/chat/completions",
			bytes.NewReader(jsonBody), "application/json")
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: p.maxEventSize}) {
			if err != nil {
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			// Consecutive data lines without a blank line in between are joined into a single event,
			// so every line is handled on its own.
			for _, data := range strings.Split(ev.Data, "\n") {
				if data == streamDoneData {
					yield(models.StreamEvent{Kind: models.StreamEventDone}, nil)
					return
				}
				if !p.yieldStreamData(data, yield) {
					return
				}
			}
		}

		yield(models.StreamEvent{Kind: models.StreamEventDone}, nil)
	}
}

func (p PrivateGPT) yieldStreamData(data string, yield func(models.StreamEvent, error) bool) bool {
	if strings.TrimSpace(data) == "" {
		return true
	}

	var res privateGPTStreamResponse
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		p.logger.Debug("Skipping malformed stream data",
			slog.String("data", data),
			slog.String(errLoggerKey, err.Error()))
		return true
	}

	sources := res.Sources
	if len(res.Choices) > 0 {
		choice := res.Choices[0]
		if choice.Delta.Content != "" {
			if !yield(models.StreamEvent{
				Kind:  models.StreamEventDelta,
				Delta: choice.Delta.Content,
			}, nil) {
				return false
			}
		}
		if sources == nil {
			sources = choice.Sources
		}
	}

	if sources != nil {
		return yield(models.StreamEvent{
			Kind:    models.StreamEventSources,
			Sources: toSources(sources),
		}, nil)
	}
	return true
}

// Chunks returns the chunks of the ingested documents most relevant to text. At most limit chunks
// are returned, each extended with prevNext neighbouring chunks by the backend.
func (p PrivateGPT) Chunks(ctx context.Context, text string, limit, prevNext int) ([]models.Chunk, error) {
	jsonBody, err := json.Marshal(privateGPTChunksRequest{
		Text:           text,
		Limit:          limit,
		PrevNextChunks: prevNext,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	resp, err := p.doRequest(ctx, http.MethodPost, "/v1/chunks", bytes.NewReader(jsonBody), "application/json")
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res privateGPTChunksResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	chunks := make([]models.Chunk, len(res.Data))
	for i, c := range res.Data {
		chunks[i] = models.Chunk{
			Text:     c.Text,
			FileName: c.fileName(),
		}
	}
	return chunks, nil
}

// Documents lists every ingested document record.
func (p PrivateGPT) Documents(ctx context.Context) ([]models.Document, error) {
	resp, err := p.doRequest(ctx, http.MethodGet, "/v1/ingest/list", nil, "")
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	var res privateGPTIngestListResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	docs := make([]models.Document, len(res.Data))
	for i, d := range res.Data {
		docs[i] = models.Document{ID: d.DocID}
		if d.DocMetadata != nil {
			docs[i].FileName = d.DocMetadata.FileName
		}
	}
	return docs, nil
}

// Ingest uploads the content of r as a file named fileName. The content is streamed to the backend
// as it's read.
func (p PrivateGPT) Ingest(ctx context.Context, fileName string, r io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			pw.CloseWithError(fmt.Errorf("error creating form file: %w", err))
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			pw.CloseWithError(fmt.Errorf("error copying file: %w", err))
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	resp, err := p.doRequest(ctx, http.MethodPost, "/v1/ingest/file", pr, mw.FormDataContentType())
	if err != nil {
		// Unblock the writer goroutine if the request failed before the body was consumed.
		pr.CloseWithError(err)
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	p.logger.Info("Ingested file", slog.String("fileName", fileName))
	return nil
}

// DeleteDocument deletes one ingested document record.
func (p PrivateGPT) DeleteDocument(ctx context.Context, docID string) error {
	resp, err := p.doRequest(ctx, http.MethodDelete, "/v1/ingest/"+url.PathEscape(docID), nil, "")
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (p PrivateGPT) doRequest(
	ctx context.Context,
	method, path string,
	body io.Reader,
	contentType string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}
