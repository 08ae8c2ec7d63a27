package api

import (
	"net/http"
	"strings"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/ingest"
)

type scrapeResponse struct {
	Success      bool                    `json:"success"`
	URLs         []string                `json:"urls,omitempty"`
	Images       []ingest.SourceImageRef `json:"images,omitempty"`
	UsedHeadless bool                    `json:"usedHeadless,omitempty"`
	RobotsStatus ingest.RobotsStatus     `json:"robotsStatus,omitempty"`
	Error        string                  `json:"error,omitempty"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	pageURL := strings.TrimSpace(r.URL.Query().Get("url"))
	if pageURL == "" {
		writeJSON(w, http.StatusBadRequest, scrapeResponse{Error: MsgURLRequired})
		return
	}
	if s.deps.Scraper == nil {
		writeJSON(w, http.StatusInternalServerError, scrapeResponse{Error: "Web scraping is not configured"})
		return
	}

	result, err := s.deps.Scraper.Scrape(r.Context(), pageURL, strings.TrimSpace(r.URL.Query().Get("baseUrl")))
	if err != nil {
		status, msg := http.StatusInternalServerError, MsgScrapeFailed
		if appErr, ok := apperr.As(err); ok {
			status, msg = appErr.Status, appErr.Message
		}
		writeJSON(w, status, scrapeResponse{Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		Success:      true,
		URLs:         result.URLs,
		Images:       result.Images,
		UsedHeadless: result.UsedHeadless,
		RobotsStatus: result.RobotsStatus,
	})
}
