package service

import "github.com/hgheiberger/nb/internal/models"

// ViewerContext is everything visibility decisions need about one viewer in
// one class.
type ViewerContext struct {
	ViewerID    string
	Role        ViewerRole
	Peers       models.IDSet
	Instructors models.IDSet
	TAs         models.IDSet
	Sectioned   bool
}

// NewViewerContext resolves viewerID against the roster.
func NewViewerContext(roster *models.Roster, viewerID string, sectioned bool) ViewerContext {
	role := ClassifyViewer(roster, viewerID)
	vc := ViewerContext{
		ViewerID:  viewerID,
		Role:      role,
		Peers:     VisiblePeers(roster, viewerID, role),
		Sectioned: sectioned,
	}
	if roster != nil {
		vc.Instructors = roster.Instructors
		vc.TAs = roster.TAs
	}
	return vc
}

// CanSeeHead decides whether the thread rooted at head is visible. Sectioning
// only narrows EVERYONE heads for student-only viewers.
func CanSeeHead(head *models.Annotation, vc ViewerContext) bool {
	if !canSee(head, vc) {
		return false
	}
	if head.Visibility != models.VisibilityEveryone || !vc.Sectioned || !vc.Role.IsStudentOnly() {
		return true
	}
	author := head.AuthorID
	return author == vc.ViewerID ||
		vc.Peers.Has(author) ||
		vc.Instructors.Has(author) ||
		vc.TAs.Has(author)
}

// CanSeeReply decides whether a reply is visible. Sectioning never applies.
func CanSeeReply(reply *models.Annotation, vc ViewerContext) bool {
	return canSee(reply, vc)
}

func canSee(a *models.Annotation, vc ViewerContext) bool {
	if a == nil || a.Author == nil {
		return false
	}
	switch a.Visibility {
	case models.VisibilityMyself:
		return a.AuthorID == vc.ViewerID
	case models.VisibilityInstructors:
		return vc.Role.IsInstructor || a.AuthorID == vc.ViewerID
	case models.VisibilityEveryone:
		return true
	default:
		return false
	}
}
