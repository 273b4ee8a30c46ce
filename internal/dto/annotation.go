package dto

import (
	"time"

	"github.com/hgheiberger/nb/internal/models"
)

// ListThreadsQuery selects the discussion of one document.
type ListThreadsQuery struct {
	URL       string `form:"url" validate:"required"`
	ClassID   string `form:"class" validate:"required"`
	Sectioned bool   `form:"sectioned"`
}

// SpecificThreadQuery selects one thread of a document.
type SpecificThreadQuery struct {
	URL      string `form:"source_url" validate:"required"`
	ClassID  string `form:"class_id" validate:"required"`
	ThreadID string `form:"thread_id" validate:"required"`
}

// DocumentRef identifies the document and class a new thread is anchored in.
type DocumentRef struct {
	URL     string `json:"url" validate:"required"`
	ClassID string `json:"class" validate:"required"`
}

// RangeInput is a text selection inside the document.
type RangeInput struct {
	Start       string  `json:"start" validate:"required"`
	End         string  `json:"end" validate:"required"`
	StartOffset float64 `json:"startOffset"`
	EndOffset   float64 `json:"endOffset"`
}

// RectInput is a region drawn on an image.
type RectInput struct {
	XOffset float64 `json:"x_offset"`
	YOffset float64 `json:"y_offset"`
	Width   float64 `json:"width" validate:"gt=0"`
	Height  float64 `json:"height" validate:"gt=0"`
}

// CreateThreadRequest starts a new thread. Exactly one of Range or
// DrawAnnotationRect anchors it; the video times refine either.
type CreateThreadRequest struct {
	DocumentRef
	Content            string            `json:"content"`
	Range              *RangeInput       `json:"range" validate:"required_without=DrawAnnotationRect"`
	DrawAnnotationRect *RectInput        `json:"drawAnnotationRect" validate:"required_without=Range"`
	DrawAnnotationSvg  string            `json:"drawAnnotationSvg" validate:"required_with=DrawAnnotationRect"`
	VideoStartTime     *float64          `json:"videoAnnotationStartTime" validate:"omitempty,gte=0"`
	VideoEndTime       *float64          `json:"videoAnnotationEndTime" validate:"omitempty,gte=0"`
	Tags               []string          `json:"tags"`
	UserTags           []string          `json:"userTags"`
	Visibility         models.Visibility `json:"visibility" validate:"required,oneof=MYSELF INSTRUCTORS EVERYONE"`
	Anonymity          models.Anonymity  `json:"anonymity" validate:"required,oneof=NAMED ANONYMOUS"`
	Endorsed           bool              `json:"endorsed"`
	ReplyRequest       bool              `json:"replyRequest"`
	Star               bool              `json:"star"`
	Bookmark           bool              `json:"bookmark"`
}

// CreateReplyRequest answers an annotation.
type CreateReplyRequest struct {
	Content      string            `json:"content"`
	Tags         []string          `json:"tags"`
	UserTags     []string          `json:"userTags"`
	Visibility   models.Visibility `json:"visibility" validate:"required,oneof=MYSELF INSTRUCTORS EVERYONE"`
	Anonymity    models.Anonymity  `json:"anonymity" validate:"required,oneof=NAMED ANONYMOUS"`
	ReplyRequest bool              `json:"replyRequest"`
	Star         bool              `json:"star"`
	Bookmark     bool              `json:"bookmark"`
}

// EditAnnotationRequest replaces the editable fields of an annotation.
// UpvotedByMe leaves the star untouched when absent.
type EditAnnotationRequest struct {
	Content      string            `json:"content"`
	Tags         []string          `json:"tags"`
	UserTags     []string          `json:"userTags"`
	Visibility   models.Visibility `json:"visibility" validate:"required,oneof=MYSELF INSTRUCTORS EVERYONE"`
	Anonymity    models.Anonymity  `json:"anonymity" validate:"required,oneof=NAMED ANONYMOUS"`
	Endorsed     bool              `json:"endorsed"`
	ReplyRequest bool              `json:"replyRequest"`
	UpvotedByMe  *bool             `json:"upvotedByMe"`
}

// StarRequest sets the viewer's star on an annotation.
type StarRequest struct {
	Star bool `json:"star"`
}

// BookmarkRequest sets the viewer's bookmark on an annotation.
type BookmarkRequest struct {
	Bookmark bool `json:"bookmark"`
}

// ReplyRequestRequest sets the viewer's reply request on an annotation.
type ReplyRequestRequest struct {
	ReplyRequest bool `json:"replyRequest"`
}

// CreatedAnnotation is returned by the create endpoints.
type CreatedAnnotation struct {
	ID               string    `json:"id"`
	ThreadID         string    `json:"threadId"`
	HeadAnnotationID string    `json:"headAnnotationId"`
	ParentID         *string   `json:"parentId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// LocationRecord is the anchor of a thread as clients consume it.
type LocationRecord struct {
	Shape       models.LocationShape `json:"shape"`
	Start       string               `json:"start"`
	End         string               `json:"end"`
	StartOffset float64              `json:"startOffset"`
	EndOffset   float64              `json:"endOffset"`
	Width       *float64             `json:"width,omitempty"`
	Height      *float64             `json:"height,omitempty"`
	StartTime   *float64             `json:"startTime,omitempty"`
	EndTime     *float64             `json:"endTime,omitempty"`
}

// MediaRecord points at an attachment.
type MediaRecord struct {
	Type     string `json:"type"`
	Filepath string `json:"filepath"`
}

// AnnotationRecord is one materialized annotation. The ...ByMe flags,
// Bookmarked and Followed are relative to the requesting viewer and are false
// in broadcast snapshots.
type AnnotationRecord struct {
	ID                 string            `json:"id"`
	ThreadID           string            `json:"threadId"`
	Parent             *string           `json:"parent"`
	Range              *LocationRecord   `json:"range"`
	Timestamp          time.Time         `json:"timestamp"`
	Author             string            `json:"author"`
	AuthorName         string            `json:"authorName"`
	Instructor         bool              `json:"instructor"`
	TA                 bool              `json:"ta"`
	HTML               string            `json:"html"`
	Hashtags           []string          `json:"hashtags"`
	People             []string          `json:"people"`
	Visibility         models.Visibility `json:"visibility"`
	Anonymity          models.Anonymity  `json:"anonymity"`
	Endorsed           bool              `json:"endorsed"`
	ReplyRequestedByMe bool              `json:"replyRequestedByMe"`
	ReplyRequestCount  int               `json:"replyRequestCount"`
	StarredByMe        bool              `json:"starredByMe"`
	StarCount          int               `json:"starCount"`
	SeenByMe           bool              `json:"seenByMe"`
	Bookmarked         bool              `json:"bookmarked"`
	Followed           bool              `json:"followed"`
	Media              *MediaRecord      `json:"media,omitempty"`
}

// ThreadListing is the two level view of a document's discussion: visible
// heads plus replies keyed by their immediate parent id.
type ThreadListing struct {
	HeadAnnotations []AnnotationRecord            `json:"headAnnotations"`
	AnnotationsData map[string][]AnnotationRecord `json:"annotationsData"`
}

// ThreadSnapshot is the two level view of a single thread. HeadAnnotation is
// nil when the viewer may not see the thread.
type ThreadSnapshot struct {
	HeadAnnotation  *AnnotationRecord             `json:"headAnnotation"`
	AnnotationsData map[string][]AnnotationRecord `json:"annotationsData"`
}

// BroadcastPayload is the body of new_thread, new_reply and update_thread
// events. UserIDs is the allow-list clients filter delivery against.
type BroadcastPayload struct {
	Thread           ThreadSnapshot `json:"thread"`
	AuthorID         string         `json:"authorId"`
	UserIDs          []string       `json:"userIds"`
	TaggedUsers      []string       `json:"taggedUsers,omitempty"`
	ThreadID         string         `json:"threadId,omitempty"`
	HeadAnnotationID string         `json:"headAnnotationId,omitempty"`
	NewAnnotationID  string         `json:"newAnnotationId,omitempty"`
}

// ExportQuery selects a document discussion export.
type ExportQuery struct {
	URL     string `form:"url" validate:"required"`
	ClassID string `form:"class" validate:"required"`
	Format  string `form:"format" validate:"omitempty,oneof=csv pdf"`
}

// StreamQuery selects the room a real-time client joins.
type StreamQuery struct {
	URL     string `form:"url" validate:"required"`
	ClassID string `form:"class" validate:"required"`
}
