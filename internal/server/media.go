package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mediasense/mediasense/internal/jobs"
	"github.com/mediasense/mediasense/internal/runtime"
	"github.com/mediasense/mediasense/internal/store"
)

type mediaStore interface {
	CreateMediaItem(ctx context.Context, m store.MediaItem) error
	GetMediaItem(ctx context.Context, id, userID string) (store.MediaItem, error)
	ListMediaItems(ctx context.Context, userID string, limit, offset int) ([]store.MediaItem, error)
	SoftDeleteMediaItem(ctx context.Context, id, userID string) error
	ListJobsForMedia(ctx context.Context, mediaID string) ([]store.ProcessingJob, error)
	GetAggregatedContent(ctx context.Context, mediaID string) (store.AggregatedContentRecord, error)
}

type enqueuer interface {
	Enqueue(ctx context.Context, mediaID, userID string) ([]store.ProcessingJob, error)
	Retry(ctx context.Context, mediaID, userID string) (int64, error)
}

type keywordDeleter interface {
	Delete(mediaID string) error
}

type MediaHandler struct {
	Store   mediaStore
	Orch    enqueuer
	Keyword keywordDeleter
}

func (h *MediaHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("", h.register)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/retry", h.retry)
	g.DELETE("/:id", h.remove)
}

// register records an uploaded media item and fans out its processing jobs.
func (h *MediaHandler) register(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	var req RegisterMediaRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Kind != "image" && req.Kind != "video" {
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be image or video")
	}
	if req.Locator == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "locator required")
	}

	item := store.MediaItem{
		ID:      uuid.NewString(),
		UserID:  userID,
		Kind:    req.Kind,
		Locator: req.Locator,
	}
	if err := h.Store.CreateMediaItem(ctx, item); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if _, err := h.Orch.Enqueue(ctx, item.ID, userID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	created, err := h.Store.GetMediaItem(ctx, item.ID, userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, toMediaResponse(created))
}

func (h *MediaHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	items, err := h.Store.ListMediaItems(c.Request().Context(), userID, limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]MediaResponse, 0, len(items))
	for _, m := range items {
		out = append(out, toMediaResponse(m))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *MediaHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	id := c.Param("id")

	item, err := h.Store.GetMediaItem(ctx, id, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "media not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := MediaDetailResponse{MediaResponse: toMediaResponse(item)}

	jobRows, err := h.Store.ListJobsForMedia(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, j := range jobRows {
		resp.Jobs = append(resp.Jobs, JobResponse{
			ID:          j.ID,
			Capability:  j.Capability,
			Mandatory:   j.Mandatory,
			Status:      j.Status,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			NextRetryAt: j.NextRetryAt,
			LastError:   j.LastError,
		})
	}

	if item.Status == store.MediaStatusCompleted {
		content, err := h.Store.GetAggregatedContent(ctx, id)
		if err == nil {
			resp.Content = &ContentDetail{Text: content.Text, Tags: content.Tags, UpdatedAt: content.UpdatedAt}
		} else if !errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, resp)
}

// retry requeues the failed jobs of a failed media item.
func (h *MediaHandler) retry(c echo.Context) error {
	userID := c.Get("user_id").(string)
	id := c.Param("id")
	n, err := h.Orch.Retry(c.Request().Context(), id, userID)
	if err != nil {
		var invalid jobs.ErrInvalidMedia
		switch {
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "media not found")
		case errors.As(err, &invalid):
			return echo.NewHTTPError(http.StatusConflict, invalid.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusAccepted, map[string]int64{"requeued": n})
}

func (h *MediaHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	id := c.Param("id")
	if err := h.Store.SoftDeleteMediaItem(c.Request().Context(), id, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "media not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Keyword != nil {
		if err := h.Keyword.Delete(id); err != nil {
			c.Logger().Warnf("keyword index delete %s: %v", id, err)
		}
	}
	return c.NoContent(http.StatusNoContent)
}

func toMediaResponse(m store.MediaItem) MediaResponse {
	return MediaResponse{
		ID:            m.ID,
		Kind:          m.Kind,
		Locator:       m.Locator,
		Status:        m.Status,
		FailureReason: m.FailureReason,
		UploadedAt:    m.UploadedAt,
	}
}
