package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/middleware"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/response"
)

type annotationService interface {
	ListThreads(ctx context.Context, q dto.ListThreadsQuery, viewerID string) (*dto.ThreadListing, error)
	GetThread(ctx context.Context, q dto.SpecificThreadQuery, viewerID string) (*dto.ThreadSnapshot, error)
	ListReplies(ctx context.Context, parentID, viewerID string) ([]dto.AnnotationRecord, error)
	CreateThread(ctx context.Context, req dto.CreateThreadRequest, viewerID string) (*dto.CreatedAnnotation, error)
	CreateReply(ctx context.Context, parentID string, req dto.CreateReplyRequest, viewerID string) (*dto.CreatedAnnotation, error)
	EditAnnotation(ctx context.Context, id string, req dto.EditAnnotationRequest, viewerID string) error
	DeleteAnnotation(ctx context.Context, id, viewerID string) error
	ToggleStar(ctx context.Context, id string, star bool, viewerID string) error
	ToggleBookmark(ctx context.Context, id string, bookmark bool, viewerID string) error
	ToggleReplyRequest(ctx context.Context, id string, requested bool, viewerID string) error
	MarkSeen(ctx context.Context, id, viewerID string) error
}

// AnnotationHandler exposes thread reads and writes.
type AnnotationHandler struct {
	service annotationService
}

// NewAnnotationHandler constructs the handler.
func NewAnnotationHandler(service annotationService) *AnnotationHandler {
	return &AnnotationHandler{service: service}
}

// List godoc
// @Summary List the visible threads of a document
// @Tags Annotations
// @Produce json
// @Param url query string true "Document URL"
// @Param class query string true "Class ID"
// @Param sectioned query bool false "Restrict to the viewer's section"
// @Success 200 {object} response.Envelope
// @Router /annotations/annotation [get]
func (h *AnnotationHandler) List(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.ListThreadsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	listing, err := h.service.ListThreads(c.Request.Context(), q, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetMeta(c, "threads", len(listing.HeadAnnotations))
	response.JSON(c, http.StatusOK, listing, middleware.ExtractMeta(c))
}

// Create godoc
// @Summary Start a thread on a document
// @Tags Annotations
// @Accept json
// @Produce json
// @Param payload body dto.CreateThreadRequest true "Thread payload"
// @Success 201 {object} response.Envelope
// @Router /annotations/annotation [post]
func (h *AnnotationHandler) Create(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid annotation payload"))
		return
	}
	created, err := h.service.CreateThread(c.Request.Context(), req, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// SpecificThread godoc
// @Summary Get one thread of a document
// @Tags Annotations
// @Produce json
// @Param source_url query string true "Document URL"
// @Param class_id query string true "Class ID"
// @Param thread_id query string true "Thread ID"
// @Success 200 {object} response.Envelope
// @Router /annotations/specific_thread [get]
func (h *AnnotationHandler) SpecificThread(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.SpecificThreadQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	snapshot, err := h.service.GetThread(c.Request.Context(), q, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, snapshot)
}

// Replies godoc
// @Summary List the visible replies of an annotation
// @Tags Annotations
// @Produce json
// @Param id path string true "Parent annotation ID"
// @Success 200 {object} response.Envelope
// @Router /annotations/reply/{id} [get]
func (h *AnnotationHandler) Replies(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	replies, err := h.service.ListReplies(c.Request.Context(), c.Param("id"), viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, replies)
}

// Reply godoc
// @Summary Reply to an annotation
// @Tags Annotations
// @Accept json
// @Produce json
// @Param id path string true "Parent annotation ID"
// @Param payload body dto.CreateReplyRequest true "Reply payload"
// @Success 201 {object} response.Envelope
// @Router /annotations/reply/{id} [post]
func (h *AnnotationHandler) Reply(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.CreateReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reply payload"))
		return
	}
	created, err := h.service.CreateReply(c.Request.Context(), c.Param("id"), req, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// Edit godoc
// @Summary Edit an annotation
// @Tags Annotations
// @Accept json
// @Produce json
// @Param id path string true "Annotation ID"
// @Param payload body dto.EditAnnotationRequest true "Edit payload"
// @Success 204
// @Router /annotations/annotation/{id} [put]
func (h *AnnotationHandler) Edit(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.EditAnnotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid annotation payload"))
		return
	}
	if err := h.service.EditAnnotation(c.Request.Context(), c.Param("id"), req, viewer); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Delete godoc
// @Summary Delete an annotation
// @Tags Annotations
// @Param id path string true "Annotation ID"
// @Success 204
// @Router /annotations/annotation/{id} [delete]
func (h *AnnotationHandler) Delete(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.DeleteAnnotation(c.Request.Context(), c.Param("id"), viewer); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Seen godoc
// @Summary Mark the thread of an annotation as seen
// @Tags Annotations
// @Param id path string true "Annotation ID"
// @Success 204
// @Router /annotations/seen/{id} [post]
func (h *AnnotationHandler) Seen(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.MarkSeen(c.Request.Context(), c.Param("id"), viewer); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Star godoc
// @Summary Star or unstar an annotation
// @Tags Annotations
// @Accept json
// @Param id path string true "Annotation ID"
// @Param payload body dto.StarRequest true "Star flag"
// @Success 204
// @Router /annotations/star/{id} [post]
func (h *AnnotationHandler) Star(c *gin.Context) {
	var req dto.StarRequest
	h.toggle(c, &req, func(ctx context.Context, id, viewer string) error {
		return h.service.ToggleStar(ctx, id, req.Star, viewer)
	})
}

// Bookmark godoc
// @Summary Bookmark or unbookmark an annotation
// @Tags Annotations
// @Accept json
// @Param id path string true "Annotation ID"
// @Param payload body dto.BookmarkRequest true "Bookmark flag"
// @Success 204
// @Router /annotations/bookmark/{id} [post]
func (h *AnnotationHandler) Bookmark(c *gin.Context) {
	var req dto.BookmarkRequest
	h.toggle(c, &req, func(ctx context.Context, id, viewer string) error {
		return h.service.ToggleBookmark(ctx, id, req.Bookmark, viewer)
	})
}

// ReplyRequest godoc
// @Summary Request or withdraw a reply request on an annotation
// @Tags Annotations
// @Accept json
// @Param id path string true "Annotation ID"
// @Param payload body dto.ReplyRequestRequest true "Reply request flag"
// @Success 204
// @Router /annotations/replyRequest/{id} [post]
func (h *AnnotationHandler) ReplyRequest(c *gin.Context) {
	var req dto.ReplyRequestRequest
	h.toggle(c, &req, func(ctx context.Context, id, viewer string) error {
		return h.service.ToggleReplyRequest(ctx, id, req.ReplyRequest, viewer)
	})
}

func (h *AnnotationHandler) toggle(c *gin.Context, req interface{}, apply func(ctx context.Context, id, viewer string) error) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := c.ShouldBindJSON(req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid toggle payload"))
		return
	}
	if err := apply(c.Request.Context(), c.Param("id"), viewer); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
