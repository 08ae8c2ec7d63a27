package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/ingest"
)

// Client-facing messages for POST /api/images.
const (
	MsgImageSaved      = "Image saved successfully"
	MsgImageSaveFailed = "Failed to save image"
	MsgImagesProcessed = "Images processed successfully"
	MsgImagesFailed    = "Failed to process images"
	MsgUnsupportedType = "Unsupported content type"
	MsgInvalidJSON     = "Invalid JSON body"
	MsgRequestTooLarge = "Request body too large"
	MsgScrapeFailed    = "Failed to fetch images from the URL"
)

const multipartMemoryBytes = 8 << 20

// requestKind is resolved once from the Content-Type header.
type requestKind int

const (
	kindUnsupported requestKind = iota
	kindJSONDataURL
	kindFormBatch
)

func classifyRequest(r *http.Request) requestKind {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return kindUnsupported
	}
	switch mediaType {
	case "application/json":
		return kindJSONDataURL
	case "multipart/form-data", "application/x-www-form-urlencoded":
		return kindFormBatch
	default:
		return kindUnsupported
	}
}

type dataURLRequest struct {
	DataURL string `json:"dataUrl"`
}

type saveResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
	APIURL  string `json:"apiUrl,omitempty"`
	Error   string `json:"error,omitempty"`
}

type batchResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	Images    []ingest.ItemResult `json:"images"`
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	if maxBytes := s.maxUploadBytes(); maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	switch classifyRequest(r) {
	case kindJSONDataURL:
		s.saveDataURL(w, r)
	case kindFormBatch:
		s.processBatch(w, r)
	default:
		contentType := r.Header.Get("Content-Type")
		writeJSON(w, http.StatusBadRequest, saveResponse{
			Message: MsgUnsupportedType,
			Error: fmt.Sprintf(
				"Content type '%s' is not supported. Use 'application/json' or 'multipart/form-data'.",
				contentType,
			),
		})
	}
}

func (s *Server) maxUploadBytes() int64 {
	return int64(s.cfg.Uploads.MaxUploadMB) << 20
}

func (s *Server) saveDataURL(w http.ResponseWriter, r *http.Request) {
	var req dataURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status, msg := http.StatusBadRequest, MsgInvalidJSON
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status, msg = http.StatusRequestEntityTooLarge, MsgRequestTooLarge
		}
		writeJSON(w, status, saveResponse{Message: msg})
		return
	}

	image, err := s.deps.Store.SaveDataURL(r.Context(), req.DataURL)
	if err != nil {
		if appErr, ok := apperr.As(err); ok && appErr.Kind == apperr.KindValidation {
			writeJSON(w, appErr.Status, saveResponse{Message: appErr.Message})
			return
		}
		s.logger.Error("save data url failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, saveResponse{
			Message: MsgImageSaveFailed,
			Error:   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{
		Success: true,
		Message: MsgImageSaved,
		URL:     image.URL,
		APIURL:  image.APIURL,
	})
}

// batchForm is the decoded form submission.
type batchForm struct {
	imageURLs []string
	files     []*multipart.FileHeader
	webURL    string
	baseURL   string
}

func parseBatchForm(r *http.Request) (batchForm, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
			return batchForm{}, fmt.Errorf("parse multipart form: %w", err)
		}
	} else if err := r.ParseForm(); err != nil {
		return batchForm{}, fmt.Errorf("parse form: %w", err)
	}

	form := batchForm{
		webURL:  strings.TrimSpace(r.FormValue("webUrl")),
		baseURL: strings.TrimSpace(r.FormValue("baseUrl")),
	}
	for _, key := range []string{"imageUrls", "imageUrls[]"} {
		for _, v := range r.Form[key] {
			if v = strings.TrimSpace(v); v != "" {
				form.imageURLs = append(form.imageURLs, v)
			}
		}
	}
	if r.MultipartForm != nil {
		for _, key := range []string{"files", "files[]"} {
			form.files = append(form.files, r.MultipartForm.File[key]...)
		}
	}
	return form, nil
}

func (s *Server) processBatch(w http.ResponseWriter, r *http.Request) {
	form, err := parseBatchForm(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, saveResponse{Message: MsgImagesFailed, Error: err.Error()})
		return
	}
	if r.MultipartForm != nil {
		defer func() {
			if rmErr := r.MultipartForm.RemoveAll(); rmErr != nil {
				s.logger.Debug("remove multipart temp files", zap.Error(rmErr))
			}
		}()
	}

	tasks := make([]ingest.NormalizeTask, 0, len(form.imageURLs)+len(form.files))
	for _, u := range form.imageURLs {
		tasks = append(tasks, ingest.NormalizeTask{Kind: ingest.TaskURL, Source: u})
	}

	var trailing []ingest.ItemResult
	for _, fh := range form.files {
		data, readErr := readFormFile(fh)
		if readErr != nil {
			s.logger.Warn("read uploaded file failed", zap.String("file", fh.Filename), zap.Error(readErr))
			trailing = append(trailing, ingest.ItemResult{OriginalName: fh.Filename, Message: MsgImagesFailed})
			continue
		}
		tasks = append(tasks, ingest.NormalizeTask{Kind: ingest.TaskBytes, Name: fh.Filename, Data: data})
	}

	if form.webURL != "" {
		found, failure := s.scrapeForBatch(r, form.webURL, form.baseURL)
		if failure != "" {
			trailing = append(trailing, ingest.ItemResult{OriginalURL: form.webURL, Message: failure})
		}
		for _, u := range found {
			tasks = append(tasks, ingest.NormalizeTask{Kind: ingest.TaskURL, Source: u})
		}
	}

	var items []ingest.ItemResult
	if len(tasks) > 0 {
		if s.deps.Processor == nil {
			writeJSON(w, http.StatusInternalServerError, saveResponse{Message: MsgImagesFailed, Error: "image processing is not configured"})
			return
		}
		items = s.deps.Processor.Process(r.Context(), tasks)
	}
	items = append(items, trailing...)
	if items == nil {
		items = []ingest.ItemResult{}
	}

	resp := batchResponse{Success: true, Message: MsgImagesProcessed, Images: items}
	for _, item := range items {
		if item.Success {
			resp.Processed++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// scrapeForBatch returns the image URLs on webURL, or a client-facing
// failure message.
func (s *Server) scrapeForBatch(r *http.Request, webURL, baseURL string) ([]string, string) {
	if s.deps.Scraper == nil {
		return nil, "Web scraping is not configured"
	}
	result, err := s.deps.Scraper.Scrape(r.Context(), webURL, baseURL)
	if err != nil {
		if appErr, ok := apperr.As(err); ok {
			return nil, appErr.Message
		}
		s.logger.Warn("scrape for batch failed", zap.String("url", webURL), zap.Error(err))
		return nil, MsgScrapeFailed
	}
	return result.URLs, ""
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	return data, nil
}
