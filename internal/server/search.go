package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mediasense/mediasense/internal/runtime"
	"github.com/mediasense/mediasense/internal/search"
	"github.com/mediasense/mediasense/internal/store"
)

type searcher interface {
	Search(ctx context.Context, userID string, q search.Query) (search.Response, error)
}

type keywordSearcher interface {
	Search(userID, q string, limit int) ([]search.KeywordHit, error)
}

type SearchHandler struct {
	Engine  searcher
	Keyword keywordSearcher
}

func (h *SearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.search)
	g.GET("/keyword", h.keyword)
}

// search runs a semantic similarity query over the caller's indexed media.
func (h *SearchHandler) search(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Filter.Kind != "" && req.Filter.Kind != "image" && req.Filter.Kind != "video" {
		return echo.NewHTTPError(http.StatusBadRequest, "filter.kind must be image or video")
	}

	resp, err := h.Engine.Search(c.Request().Context(), userID, search.Query{
		Text: req.Query,
		Filters: store.SearchFilters{
			MediaKind:    req.Filter.Kind,
			UploadedFrom: req.Filter.From,
			UploadedTo:   req.Filter.To,
			Tags:         req.Filter.Tags,
		},
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		var unavailable search.ErrUnavailable
		if errors.As(err, &unavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "search temporarily unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// keyword runs a full-text query over aggregated content.
func (h *SearchHandler) keyword(c echo.Context) error {
	if h.Keyword == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "keyword search not configured")
	}
	userID := c.Get("user_id").(string)
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	hits, err := h.Keyword.Search(userID, q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"results": hits})
}
