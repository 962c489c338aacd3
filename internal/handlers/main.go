package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"sync"
	"time"

	ragwebui "github.com/MegaGrindStone/rag-web-ui"
	"github.com/MegaGrindStone/rag-web-ui/internal/conversation"
	"github.com/MegaGrindStone/rag-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Backend represents the document side of the remote backend: chunk search and the management of
// the ingested documents.
type Backend interface {
	Chunks(ctx context.Context, text string, limit, prevNext int) ([]models.Chunk, error)
	Documents(ctx context.Context) ([]models.Document, error)
	Ingest(ctx context.Context, fileName string, r io.Reader) error
	DeleteDocument(ctx context.Context, docID string) error
}

// Options tunes the behaviour of Main. Zero values are replaced by defaults.
type Options struct {
	DefaultMode models.Mode

	SearchLimit          int
	SearchPrevNextChunks int
	SearchPreviewLength  int

	// SubscribeTimeout bounds how long a turn waits for the browser to subscribe to its answer
	// stream before it starts streaming anyway.
	SubscribeTimeout time.Duration
	// MaxUploadSize bounds the memory used to parse a multipart upload; the rest goes to disk.
	MaxUploadSize int64
}

// Main handles the core functionality of the chat application, managing server-sent events,
// HTML templates, and interactions between the conversation engine and the backend.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	engine  *conversation.Engine
	backend Backend
	opts    Options

	// subscribers holds, per message ID, a channel closed once the browser subscribed to the
	// message's answer stream.
	subscribers *sync.Map

	// turnsCtx is the parent of every turn, cancelled on shutdown.
	turnsCtx    context.Context
	cancelTurns context.CancelFunc

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultSearchLimit         = 5
	defaultSearchPreviewLength = 300
	defaultSubscribeTimeout    = 5 * time.Second
	defaultMaxUploadSize       = 32 << 20
)

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
)

// NewMain creates a new Main instance. It initializes the SSE server and parses the required HTML
// templates from the embedded filesystem. Browsers subscribe to the answer stream of a message with
// the message_id query parameter.
func NewMain(engine *conversation.Engine, backend Backend, opts Options, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		ragwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	if _, ok := models.ParseMode(string(opts.DefaultMode)); !ok {
		opts.DefaultMode = models.ModeRAG
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = defaultSearchLimit
	}
	if opts.SearchPrevNextChunks < 0 {
		opts.SearchPrevNextChunks = 0
	}
	if opts.SearchPreviewLength <= 0 {
		opts.SearchPreviewLength = defaultSearchPreviewLength
	}
	if opts.SubscribeTimeout <= 0 {
		opts.SubscribeTimeout = defaultSubscribeTimeout
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}

	subscribers := &sync.Map{}
	turnsCtx, cancelTurns := context.WithCancel(context.Background())

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				// We only serve message-specific topics, a client without one has nothing to listen to
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID == "" {
					return sse.Subscription{}, false
				}

				if ch, ok := subscribers.LoadAndDelete(messageID); ok {
					close(ch.(chan struct{}))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{messageIDTopic(messageID)},
				}, true
			},
		},
		templates:   tmpl,
		engine:      engine,
		backend:     backend,
		opts:        opts,
		subscribers: subscribers,
		turnsCtx:    turnsCtx,
		cancelTurns: cancelTurns,
		logger:      logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// Shutdown gracefully terminates the Main instance. It aborts every turn in flight, broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to terminate.
// After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.cancelTurns()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
