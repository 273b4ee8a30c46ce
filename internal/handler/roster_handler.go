package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/response"
)

type rosterService interface {
	MyClasses(ctx context.Context, url, viewerID string) ([]models.Class, error)
	MyCurrentSection(ctx context.Context, classID, viewerID string) (string, error)
	ClassUsers(ctx context.Context, q dto.ClassUsersQuery, viewerID string) (map[string]dto.ClassUser, error)
	TagTypes(ctx context.Context, q dto.TagTypesQuery) ([]models.TagType, error)
}

// RosterHandler serves the class directory reads the annotation sidebar needs.
type RosterHandler struct {
	service rosterService
}

// NewRosterHandler constructs the handler.
func NewRosterHandler(service rosterService) *RosterHandler {
	return &RosterHandler{service: service}
}

// MyClasses godoc
// @Summary List the viewer's classes that include a document
// @Tags Roster
// @Produce json
// @Param url query string true "Document URL"
// @Success 200 {object} response.Envelope
// @Router /annotations/myClasses [get]
func (h *RosterHandler) MyClasses(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.MyClassesQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.URL == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "url is required"))
		return
	}
	classes, err := h.service.MyClasses(c.Request.Context(), q.URL, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, classes)
}

// MyCurrentSection godoc
// @Summary Get the viewer's section in a class
// @Tags Roster
// @Produce json
// @Param class query string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /annotations/myCurrentSection [get]
func (h *RosterHandler) MyCurrentSection(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.CurrentSectionQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.ClassID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "class is required"))
		return
	}
	section, err := h.service.MyCurrentSection(c.Request.Context(), q.ClassID, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"sectionId": section})
}

// AllUsers godoc
// @Summary Get the directory of a document's class keyed by user id
// @Tags Roster
// @Produce json
// @Param url query string true "Document URL"
// @Param class query string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /annotations/allUsers [get]
func (h *RosterHandler) AllUsers(c *gin.Context) {
	viewer := viewerID(c)
	if viewer == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var q dto.ClassUsersQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.URL == "" || q.ClassID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "url and class are required"))
		return
	}
	users, err := h.service.ClassUsers(c.Request.Context(), q, viewer)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, users)
}

// AllTagTypes godoc
// @Summary List the hashtags available on a document
// @Tags Roster
// @Produce json
// @Param url query string true "Document URL"
// @Param class query string true "Class ID"
// @Success 200 {object} response.Envelope
// @Router /annotations/allTagTypes [get]
func (h *RosterHandler) AllTagTypes(c *gin.Context) {
	var q dto.TagTypesQuery
	if err := c.ShouldBindQuery(&q); err != nil || q.URL == "" || q.ClassID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "url and class are required"))
		return
	}
	tags, err := h.service.TagTypes(c.Request.Context(), q)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, tags)
}
