package service

import (
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
)

// AnonymousName replaces the author name of anonymous annotations.
const AnonymousName = "Anonymous"

// ThreadAssembler turns hydrated threads into the two level head plus reply
// map shape clients render.
type ThreadAssembler struct {
	logger *zap.Logger
}

// NewThreadAssembler constructs an assembler.
func NewThreadAssembler(logger *zap.Logger) *ThreadAssembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ThreadAssembler{logger: logger}
}

// recordView carries the per-call options of record materialization.
type recordView struct {
	vc       ViewerContext
	follows  models.IDSet
	seen     models.IDSet
	perUser  bool
	location *models.Location
}

// AssembleListing builds the view of a document for one viewer. Threads
// whose head is hidden, or whose head or head author did not load, are
// dropped together with all their replies.
func (a *ThreadAssembler) AssembleListing(threads []models.Thread, vc ViewerContext, follows models.IDSet) dto.ThreadListing {
	listing := dto.ThreadListing{
		HeadAnnotations: []dto.AnnotationRecord{},
		AnnotationsData: map[string][]dto.AnnotationRecord{},
	}
	if !vc.Role.HasRole() {
		return listing
	}
	for i := range threads {
		t := &threads[i]
		if !a.resolvable(t) {
			continue
		}
		if !CanSeeHead(t.Head, vc) {
			continue
		}
		view := recordView{vc: vc, follows: follows, seen: t.SeenUsers, perUser: true, location: t.Location}
		listing.HeadAnnotations = append(listing.HeadAnnotations, a.record(t.Head, view))
		a.appendReplies(listing.AnnotationsData, t, view, func(r *models.Annotation) bool { return CanSeeReply(r, vc) })
	}
	return listing
}

// AssembleThread builds the view of one thread for one viewer. The snapshot
// has a nil head when the viewer may not see the thread.
func (a *ThreadAssembler) AssembleThread(t *models.Thread, vc ViewerContext, follows models.IDSet) dto.ThreadSnapshot {
	snapshot := dto.ThreadSnapshot{AnnotationsData: map[string][]dto.AnnotationRecord{}}
	if t == nil || !vc.Role.HasRole() || !a.resolvable(t) || !CanSeeHead(t.Head, vc) {
		return snapshot
	}
	view := recordView{vc: vc, follows: follows, seen: t.SeenUsers, perUser: true, location: t.Location}
	head := a.record(t.Head, view)
	snapshot.HeadAnnotation = &head
	a.appendReplies(snapshot.AnnotationsData, t, view, func(r *models.Annotation) bool { return CanSeeReply(r, vc) })
	return snapshot
}

// AssembleBroadcast builds the viewer independent snapshot carried by real
// time events. Per-viewer flags stay false, anonymous names are masked and
// private replies are left out.
func (a *ThreadAssembler) AssembleBroadcast(t *models.Thread, roster *models.Roster) dto.ThreadSnapshot {
	snapshot := dto.ThreadSnapshot{AnnotationsData: map[string][]dto.AnnotationRecord{}}
	if t == nil || !a.resolvable(t) {
		return snapshot
	}
	vc := ViewerContext{}
	if roster != nil {
		vc.Instructors = roster.Instructors
		vc.TAs = roster.TAs
	}
	view := recordView{vc: vc, location: t.Location}
	head := a.record(t.Head, view)
	snapshot.HeadAnnotation = &head
	a.appendReplies(snapshot.AnnotationsData, t, view, func(r *models.Annotation) bool {
		return r.Author != nil && r.Visibility != models.VisibilityMyself
	})
	return snapshot
}

// AssembleReplies materializes the direct children of one annotation. Reply
// records carry no range.
func (a *ThreadAssembler) AssembleReplies(children []models.Annotation, seen models.IDSet, vc ViewerContext, follows models.IDSet) []dto.AnnotationRecord {
	out := []dto.AnnotationRecord{}
	if !vc.Role.HasRole() {
		return out
	}
	view := recordView{vc: vc, follows: follows, seen: seen, perUser: true}
	for i := range children {
		child := &children[i]
		if !CanSeeReply(child, vc) {
			continue
		}
		out = append(out, a.record(child, view))
	}
	return out
}

func (a *ThreadAssembler) resolvable(t *models.Thread) bool {
	if t.Head == nil {
		a.logger.Warn("thread without head annotation skipped", zap.String("thread_id", t.ID))
		return false
	}
	if t.Head.Author == nil {
		a.logger.Warn("thread head without author skipped", zap.String("thread_id", t.ID), zap.String("annotation_id", t.Head.ID))
		return false
	}
	return true
}

// appendReplies keys data by parent id only once a visible reply lands there.
func (a *ThreadAssembler) appendReplies(data map[string][]dto.AnnotationRecord, t *models.Thread, view recordView, visible func(*models.Annotation) bool) {
	for i := range t.Annotations {
		reply := &t.Annotations[i]
		if reply.ParentID == nil {
			continue
		}
		if !visible(reply) {
			continue
		}
		parent := *reply.ParentID
		data[parent] = append(data[parent], a.record(reply, view))
	}
}

func (a *ThreadAssembler) record(ann *models.Annotation, view recordView) dto.AnnotationRecord {
	vc := view.vc
	rec := dto.AnnotationRecord{
		ID:                ann.ID,
		ThreadID:          ann.ThreadID,
		Parent:            ann.ParentID,
		Range:             locationRecord(view.location),
		Timestamp:         ann.CreatedAt,
		Author:            ann.AuthorID,
		AuthorName:        authorName(ann, vc),
		Instructor:        vc.Instructors.Has(ann.AuthorID),
		TA:                vc.TAs.Has(ann.AuthorID),
		HTML:              ann.Content,
		Hashtags:          append([]string{}, ann.TagTypeIDs...),
		People:            ann.TaggedUsers.Slice(),
		Visibility:        ann.Visibility,
		Anonymity:         ann.Anonymity,
		Endorsed:          ann.Endorsed,
		ReplyRequestCount: ann.ReplyRequesters.Len(),
		StarCount:         ann.Starrers.Len(),
	}
	if view.perUser {
		rec.ReplyRequestedByMe = ann.ReplyRequesters.Has(vc.ViewerID)
		rec.StarredByMe = ann.Starrers.Has(vc.ViewerID)
		rec.SeenByMe = view.seen.Has(vc.ViewerID)
		rec.Bookmarked = ann.Bookmarkers.Has(vc.ViewerID)
		rec.Followed = view.follows.Has(ann.AuthorID)
	}
	if ann.Media != nil {
		rec.Media = &dto.MediaRecord{Type: ann.Media.Type, Filepath: ann.Media.Filepath}
	}
	return rec
}

func authorName(ann *models.Annotation, vc ViewerContext) string {
	if ann.Anonymity == models.AnonymityAnonymous &&
		ann.AuthorID != vc.ViewerID && !vc.Role.IsInstructor {
		return AnonymousName
	}
	if ann.Author == nil {
		return ""
	}
	return ann.Author.DisplayName()
}

func locationRecord(loc *models.Location) *dto.LocationRecord {
	if loc == nil || loc.HTML == nil {
		return nil
	}
	h := loc.HTML
	return &dto.LocationRecord{
		Shape:       h.Shape(),
		Start:       h.StartNode,
		End:         h.EndNode,
		StartOffset: h.StartOffset,
		EndOffset:   h.EndOffset,
		Width:       h.Width,
		Height:      h.Height,
		StartTime:   h.StartTime,
		EndTime:     h.EndTime,
	}
}
