package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/service"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/response"
)

type exportService interface {
	ExportThreads(ctx context.Context, q dto.ExportQuery, viewerID string) (*service.ExportResult, error)
	Open(token, viewerID string) (*service.ExportDownload, error)
}

// ExportHandler renders discussion exports for instructors.
type ExportHandler struct {
	service exportService
}

// NewExportHandler constructs the handler.
func NewExportHandler(service exportService) *ExportHandler {
	return &ExportHandler{service: service}
}

// Export godoc
// @Summary Export the discussion of a document
// @Tags Export
// @Produce json
// @Param url query string true "Document URL"
// @Param class query string true "Class ID"
// @Param format query string false "csv or pdf"
// @Success 201 {object} response.Envelope
// @Router /annotations/export [get]
func (h *ExportHandler) Export(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service not configured"))
		return
	}
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.ExportQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid query parameters"))
		return
	}
	q.Format = strings.ToLower(strings.TrimSpace(q.Format))
	result, err := h.service.ExportThreads(c.Request.Context(), q, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusCreated, result, nil)
}

// Download godoc
// @Summary Download an export via signed token
// @Tags Export
// @Produce octet-stream
// @Param token query string true "Signed token"
// @Success 200 {file} binary
// @Router /annotations/export/download [get]
func (h *ExportHandler) Download(c *gin.Context) {
	if h.service == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "export service not configured"))
		return
	}
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	token := c.Query("token")
	if strings.TrimSpace(token) == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	result, err := h.service.Open(token, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, result.Size, result.MimeType, result.File, nil)
}
