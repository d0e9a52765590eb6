package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/quester/internal/auth"
	"github.com/mohammad-safakhou/quester/internal/telemetry"
)

// OpsHandler exposes operational endpoints (turn accounting, dashboard).
type OpsHandler struct {
	tel *telemetry.Telemetry
}

func NewOpsHandler(tel *telemetry.Telemetry) *OpsHandler { return &OpsHandler{tel: tel} }

func (h *OpsHandler) Register(g *echo.Group, secret []byte) {
	if len(secret) > 0 {
		g.Use(auth.EchoAuthMiddleware(secret))
	}
	g.GET("/performance", h.performance)
	g.GET("/dashboard", h.dashboard)
}

// performance returns accumulated turn accounting.
//
//	@Summary	Turn accounting summary
//	@Tags		ops
//	@Security	BearerAuth
//	@Security	CookieAuth
//	@Produce	json
//	@Success	200	{object}	telemetry.Summary
//	@Router		/api/ops/performance [get]
func (h *OpsHandler) performance(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tel.GetSummary())
}

// dashboard returns a minimal HTML dashboard rendering key metrics without JS.
func (h *OpsHandler) dashboard(c echo.Context) error {
	summary := h.tel.GetSummary()
	var b strings.Builder
	b.WriteString("<!doctype html><html><head><meta charset=\"utf-8\"><meta name=\"viewport\" content=\"width=device-width, initial-scale=1\"><title>Ops Dashboard</title></head><body style=\"font-family:system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif; color:#e5e7eb; background:#0f172a;\">")
	b.WriteString("<div style=\"max-width:960px;margin:24px auto;padding:0 16px\">")
	b.WriteString("<h1 style=\"font-size:18px;font-weight:600;margin-bottom:8px\">Operations Dashboard</h1>")
	b.WriteString("<pre style=\"background:#0b1220;border:1px solid #1f2937;border-radius:8px;padding:12px;overflow:auto\"><code>")
	if b2, err := json.MarshalIndent(summary, "", "  "); err == nil {
		b.Write(b2)
	}
	b.WriteString("</code></pre>")
	b.WriteString("<p style=\"font-size:12px;color:#94a3b8\">Raw prometheus metrics are served at <a href=\"/metrics\" style=\"color:#38bdf8\">/metrics</a>.</p>")
	b.WriteString("</div></body></html>")
	return c.HTML(http.StatusOK, b.String())
}
