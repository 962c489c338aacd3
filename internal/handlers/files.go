package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/MegaGrindStone/rag-web-ui/internal/i18n"
	"golang.org/x/sync/errgroup"
)

const deleteConcurrency = 4

// HandleFiles manages the ingested documents and renders the updated file list:
//   - GET renders the list;
//   - POST uploads every file of the multipart "file" field, one after another, reporting the
//     failed ones in the list;
//   - DELETE deletes every document record of the file named by "file_name".
func (m Main) HandleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		_, t, _ := m.sessionStrings(r)
		m.renderFiles(w, r, t, nil)
	case http.MethodPost:
		m.uploadFiles(w, r)
	case http.MethodDelete:
		m.deleteFile(w, r)
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleDeleteAllFiles deletes every ingested document and renders the emptied file list.
func (m Main) HandleDeleteAllFiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, t, _ := m.sessionStrings(r)

	var errs []string
	if err := m.deleteDocuments(r.Context(), func(string) bool { return true }); err != nil {
		m.logger.Error("Failed to delete all documents", slog.String(errLoggerKey, err.Error()))
		errs = append(errs, fmt.Sprintf("%s: %s", t.Error, err.Error()))
	}
	m.renderFiles(w, r, t, errs)
}

func (m Main) uploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(m.opts.MaxUploadSize); err != nil {
		m.logger.Error("Failed to parse multipart form", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	_, t, _ := m.sessionStrings(r)

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}

	var errs []string
	for _, fh := range headers {
		if err := m.uploadFile(r.Context(), fh); err != nil {
			m.logger.Error("Failed to upload file",
				slog.String("fileName", fh.Filename),
				slog.String(errLoggerKey, err.Error()))
			errs = append(errs, fmt.Sprintf("%s: %s: %s", t.Error, fh.Filename, err.Error()))
		}
	}

	m.renderFiles(w, r, t, errs)
}

func (m Main) uploadFile(ctx context.Context, fh *multipart.FileHeader) error {
	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer f.Close()

	return m.backend.Ingest(ctx, fh.Filename, f)
}

func (m Main) deleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.FormValue("file_name")
	if name == "" {
		http.Error(w, "File name is required", http.StatusBadRequest)
		return
	}

	_, t, _ := m.sessionStrings(r)

	var errs []string
	err := m.deleteDocuments(r.Context(), func(fileName string) bool { return fileName == name })
	if err != nil {
		m.logger.Error("Failed to delete file",
			slog.String("fileName", name),
			slog.String(errLoggerKey, err.Error()))
		errs = append(errs, fmt.Sprintf("%s: %s", t.Error, err.Error()))
	}
	m.renderFiles(w, r, t, errs)
}

// deleteDocuments deletes every document whose file name matches. The deletions run concurrently,
// and all of them are attempted even when some fail.
func (m Main) deleteDocuments(ctx context.Context, match func(fileName string) bool) error {
	docs, err := m.backend.Documents(ctx)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(deleteConcurrency)

	errs := make([]error, len(docs))
	for i, doc := range docs {
		if !match(doc.FileName) {
			continue
		}
		g.Go(func() error {
			if err := m.backend.DeleteDocument(ctx, doc.ID); err != nil {
				errs[i] = fmt.Errorf("failed to delete document %s: %w", doc.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (m Main) renderFiles(w http.ResponseWriter, r *http.Request, t i18n.Strings, errs []string) {
	data := m.files(r.Context(), r.FormValue("session_id"), t, errs)
	if err := m.templates.ExecuteTemplate(w, "files", data); err != nil {
		m.logger.Error("Failed to execute files template", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
