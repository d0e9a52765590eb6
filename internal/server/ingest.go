package server

import (
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quester/internal/auth"
	"github.com/mohammad-safakhou/quester/internal/ingest"
)

// IngestHandler fetches submitted URLs and indexes their article text.
type IngestHandler struct {
	fetcher  ingest.Fetcher
	pipeline *ingest.Pipeline
	logger   *log.Logger
}

func NewIngestHandler(f ingest.Fetcher, p *ingest.Pipeline) *IngestHandler {
	return &IngestHandler{
		fetcher:  f,
		pipeline: p,
		logger:   log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
	}
}

func (h *IngestHandler) Register(g *echo.Group, secret []byte) {
	if len(secret) > 0 {
		g.Use(auth.EchoAuthMiddleware(secret))
	}
	g.POST("", h.ingestURLs)
}

// ingestURLs fetches each URL and indexes the extracted article
//
//	@Summary		Ingest documents by URL
//	@Description	Fetches each URL, extracts the article text and indexes it in chunks. Failures are reported per URL.
//	@Tags			ingest
//	@Security		BearerAuth
//	@Security		CookieAuth
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		IngestRequest	true	"URLs to ingest"
//	@Success		200		{object}	IngestResponse
//	@Failure		400		{object}	HTTPError
//	@Router			/api/ingest [post]
func (h *IngestHandler) ingestURLs(c echo.Context) error {
	var req IngestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.URLs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "urls required")
	}

	ctx := c.Request().Context()
	items := make([]IngestItemResponse, 0, len(req.URLs))
	for _, raw := range req.URLs {
		item := IngestItemResponse{URL: raw}
		page, err := h.fetcher.Fetch(ctx, raw)
		if err != nil {
			h.logger.Printf("fetch %s failed: %v", raw, err)
			item.Error = err.Error()
			items = append(items, item)
			continue
		}
		res, err := h.pipeline.Index(ctx, ingest.Document{URL: page.URL, Title: page.Title, Text: page.Text})
		if err != nil {
			h.logger.Printf("index %s failed: %v", raw, err)
			item.Error = err.Error()
		} else {
			item.DocumentID = res.DocumentID
			item.Chunks = res.Chunks
			item.Indexed = res.Indexed
		}
		items = append(items, item)
	}
	return c.JSON(http.StatusOK, IngestResponse{Items: items})
}
