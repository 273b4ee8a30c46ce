package models

import "time"

// Visibility controls who may read an annotation.
type Visibility string

const (
	VisibilityMyself      Visibility = "MYSELF"
	VisibilityInstructors Visibility = "INSTRUCTORS"
	VisibilityEveryone    Visibility = "EVERYONE"
)

// Anonymity controls whether the author's name is shown to peers.
type Anonymity string

const (
	AnonymityNamed     Anonymity = "NAMED"
	AnonymityAnonymous Anonymity = "ANONYMOUS"
)

// Source is an annotated document, addressed by filepath within a class.
type Source struct {
	ID       string `db:"id" json:"id"`
	ClassID  string `db:"class_id" json:"class_id"`
	Filepath string `db:"filepath" json:"filepath"`
	Filename string `db:"filename" json:"filename"`
	Deleted  bool   `db:"deleted" json:"deleted"`
}

// LocationShape names the kind of anchor a location describes.
type LocationShape string

const (
	ShapeText  LocationShape = "text"
	ShapeImage LocationShape = "image"
	ShapeVideo LocationShape = "video"
)

// HTMLLocation anchors a thread inside the rendered document. Text ranges use
// node paths and offsets; image rects reuse the offsets as x/y and add a size;
// video anchors add a time range.
type HTMLLocation struct {
	ID          string   `db:"id" json:"id"`
	LocationID  string   `db:"location_id" json:"location_id"`
	StartNode   string   `db:"start_node" json:"start_node"`
	EndNode     string   `db:"end_node" json:"end_node"`
	StartOffset float64  `db:"start_offset" json:"start_offset"`
	EndOffset   float64  `db:"end_offset" json:"end_offset"`
	Width       *float64 `db:"width" json:"width,omitempty"`
	Height      *float64 `db:"height" json:"height,omitempty"`
	StartTime   *float64 `db:"start_time" json:"start_time,omitempty"`
	EndTime     *float64 `db:"end_time" json:"end_time,omitempty"`
}

// Shape reports exactly one anchor kind; a time range wins over a rect.
func (h HTMLLocation) Shape() LocationShape {
	switch {
	case h.StartTime != nil:
		return ShapeVideo
	case h.Width != nil && h.Height != nil:
		return ShapeImage
	default:
		return ShapeText
	}
}

// Location owns one thread. HTML is nil when the anchor row is missing.
type Location struct {
	ID       string        `json:"id"`
	SourceID string        `json:"source_id"`
	HTML     *HTMLLocation `json:"html,omitempty"`
}

// Media is an attachment referenced by an annotation.
type Media struct {
	ID       string `db:"id" json:"id"`
	Type     string `db:"type" json:"type"`
	Filepath string `db:"filepath" json:"filepath"`
}

// Annotation is one comment in a thread. ParentID is nil only for the head.
// Author is nil when the author row could not be loaded.
type Annotation struct {
	ID         string     `json:"id"`
	ThreadID   string     `json:"thread_id"`
	ParentID   *string    `json:"parent_id,omitempty"`
	Content    string     `json:"content"`
	Visibility Visibility `json:"visibility"`
	Anonymity  Anonymity  `json:"anonymity"`
	Endorsed   bool       `json:"endorsed"`
	CreatedAt  time.Time  `json:"created_at"`
	AuthorID   string     `json:"author_id"`
	Author     *User      `json:"author,omitempty"`
	Media      *Media     `json:"media,omitempty"`

	TagTypeIDs      []string `json:"tag_type_ids"`
	TaggedUsers     IDSet    `json:"tagged_users"`
	ReplyRequesters IDSet    `json:"reply_requesters"`
	Starrers        IDSet    `json:"starrers"`
	Bookmarkers     IDSet    `json:"bookmarkers"`
}

// IsHead reports whether the annotation roots its thread.
func (a Annotation) IsHead() bool { return a.ParentID == nil }

// Thread is a head annotation plus all of its descendants, in creation
// order. Head is nil when the head row did not resolve.
type Thread struct {
	ID          string       `json:"id"`
	LocationID  string       `json:"location_id"`
	Location    *Location    `json:"location,omitempty"`
	Head        *Annotation  `json:"head,omitempty"`
	Annotations []Annotation `json:"annotations"`
	SeenUsers   IDSet        `json:"seen_users"`
	Replied     IDSet        `json:"replied_users"`
}

// Annotation finds a member of the thread by id.
func (t *Thread) Annotation(id string) *Annotation {
	for i := range t.Annotations {
		if t.Annotations[i].ID == id {
			return &t.Annotations[i]
		}
	}
	return nil
}
