package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/internal/repository"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
)

type annotationRepository interface {
	ListThreadsBySource(ctx context.Context, sourceID string) ([]models.Thread, error)
	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	GetAnnotation(ctx context.Context, id string) (*models.Annotation, error)
	ListChildren(ctx context.Context, parentID string) ([]models.Annotation, error)
	ThreadSeenUsers(ctx context.Context, threadID string) (models.IDSet, error)
	Scope(ctx context.Context, annotationID string) (*repository.AnnotationScope, error)
	CreateThread(ctx context.Context, params repository.CreateThreadParams) (*models.Annotation, error)
	CreateReply(ctx context.Context, params repository.CreateReplyParams) (*models.Annotation, error)
	UpdateAnnotation(ctx context.Context, params repository.UpdateAnnotationParams) error
	DeleteAnnotation(ctx context.Context, annotation *models.Annotation) error
	SetMembership(ctx context.Context, set repository.MemberSet, annotationID, threadID, userID string, member bool) error
	MarkSeen(ctx context.Context, threadID, userID string) error
}

type rosterResolver interface {
	Source(ctx context.Context, url, classID string) (*models.Source, error)
	Roster(ctx context.Context, classID string) (*models.Roster, error)
	Viewer(ctx context.Context, classID, viewerID string, sectioned bool) (*models.Roster, ViewerContext, error)
	Follows(ctx context.Context, viewerID string) models.IDSet
}

type threadPublisher interface {
	Publish(ctx context.Context, b Broadcast) RoutePlan
}

type replyNotifier interface {
	NotifyReply(thread *models.Thread, replyAnn *models.Annotation, replier *models.User, documentURL string) int
}

// AnnotationService serves discussion reads and drives the side effects of
// discussion writes.
type AnnotationService struct {
	repo      annotationRepository
	rosters   rosterResolver
	assembler *ThreadAssembler
	publisher threadPublisher
	notifier  replyNotifier
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAnnotationService wires the annotation workflows. A nil publisher or
// notifier disables the corresponding side effect.
func NewAnnotationService(repo annotationRepository, rosters rosterResolver, assembler *ThreadAssembler, publisher threadPublisher, notifier replyNotifier, validate *validator.Validate, logger *zap.Logger) *AnnotationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if assembler == nil {
		assembler = NewThreadAssembler(logger)
	}
	return &AnnotationService{
		repo:      repo,
		rosters:   rosters,
		assembler: assembler,
		publisher: publisher,
		notifier:  notifier,
		validator: validate,
		logger:    logger,
	}
}

// ListThreads returns the discussion of one document as seen by viewerID.
func (s *AnnotationService) ListThreads(ctx context.Context, q dto.ListThreadsQuery, viewerID string) (*dto.ThreadListing, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid thread query")
	}
	src, err := s.rosters.Source(ctx, q.URL, q.ClassID)
	if err != nil {
		return nil, err
	}
	_, vc, err := s.rosters.Viewer(ctx, q.ClassID, viewerID, q.Sectioned)
	if err != nil {
		return nil, err
	}
	if !vc.Role.HasRole() {
		listing := s.assembler.AssembleListing(nil, vc, models.IDSet{})
		return &listing, nil
	}

	threads, err := s.repo.ListThreadsBySource(ctx, src.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load threads")
	}
	listing := s.assembler.AssembleListing(threads, vc, s.rosters.Follows(ctx, viewerID))
	return &listing, nil
}

// GetThread returns one thread of a document. The head is nil when the
// viewer may not see it.
func (s *AnnotationService) GetThread(ctx context.Context, q dto.SpecificThreadQuery, viewerID string) (*dto.ThreadSnapshot, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid thread query")
	}
	src, err := s.rosters.Source(ctx, q.URL, q.ClassID)
	if err != nil {
		return nil, err
	}
	_, vc, err := s.rosters.Viewer(ctx, q.ClassID, viewerID, false)
	if err != nil {
		return nil, err
	}

	thread, err := s.repo.GetThread(ctx, q.ThreadID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "thread not found")
		}
		return nil, appErrors.Internal(err, "failed to load thread")
	}
	if thread.Location == nil || thread.Location.SourceID != src.ID {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "thread not found")
	}

	var follows models.IDSet
	if vc.Role.HasRole() {
		follows = s.rosters.Follows(ctx, viewerID)
	}
	snapshot := s.assembler.AssembleThread(thread, vc, follows)
	return &snapshot, nil
}

// ListReplies returns the visible direct children of one annotation.
func (s *AnnotationService) ListReplies(ctx context.Context, parentID, viewerID string) ([]dto.AnnotationRecord, error) {
	scope, err := s.scope(ctx, parentID)
	if err != nil {
		return nil, err
	}
	_, vc, err := s.rosters.Viewer(ctx, scope.ClassID, viewerID, false)
	if err != nil {
		return nil, err
	}
	if !vc.Role.HasRole() {
		return []dto.AnnotationRecord{}, nil
	}

	children, err := s.repo.ListChildren(ctx, parentID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load replies")
	}
	seen, err := s.repo.ThreadSeenUsers(ctx, scope.ThreadID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load seen users")
	}
	return s.assembler.AssembleReplies(children, seen, vc, s.rosters.Follows(ctx, viewerID)), nil
}

// CreateThread anchors a new thread in a document and announces it.
func (s *AnnotationService) CreateThread(ctx context.Context, req dto.CreateThreadRequest, viewerID string) (*dto.CreatedAnnotation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid thread payload")
	}
	if req.VideoStartTime != nil && req.VideoEndTime != nil && *req.VideoEndTime < *req.VideoStartTime {
		return nil, appErrors.Clone(appErrors.ErrValidation, "video end time precedes start time")
	}
	src, err := s.rosters.Source(ctx, req.URL, req.ClassID)
	if err != nil {
		return nil, err
	}

	ann, err := s.repo.CreateThread(ctx, repository.CreateThreadParams{
		SourceID:      src.ID,
		AuthorID:      viewerID,
		Content:       req.Content,
		Visibility:    req.Visibility,
		Anonymity:     req.Anonymity,
		Endorsed:      req.Endorsed,
		Location:      anchorFromRequest(req),
		TagTypeIDs:    req.Tags,
		TaggedUserIDs: req.UserTags,
		Flags:         repository.AnnotationFlags{ReplyRequest: req.ReplyRequest, Star: req.Star, Bookmark: req.Bookmark},
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create thread")
	}

	s.broadcast(ctx, threadEvent{
		event:        EventNewThread,
		url:          req.URL,
		classID:      req.ClassID,
		threadID:     ann.ThreadID,
		actorID:      viewerID,
		annotationID: ann.ID,
		visibility:   req.Visibility,
		taggedUsers:  req.UserTags,
	}, nil)

	return &dto.CreatedAnnotation{
		ID:               ann.ID,
		ThreadID:         ann.ThreadID,
		HeadAnnotationID: ann.ID,
		CreatedAt:        ann.CreatedAt,
	}, nil
}

// CreateReply answers parentID in the same thread, announces the reply and
// queues notification emails.
func (s *AnnotationService) CreateReply(ctx context.Context, parentID string, req dto.CreateReplyRequest, viewerID string) (*dto.CreatedAnnotation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid reply payload")
	}
	scope, err := s.scope(ctx, parentID)
	if err != nil {
		return nil, err
	}

	ann, err := s.repo.CreateReply(ctx, repository.CreateReplyParams{
		ThreadID:      scope.ThreadID,
		ParentID:      parentID,
		AuthorID:      viewerID,
		Content:       req.Content,
		Visibility:    req.Visibility,
		Anonymity:     req.Anonymity,
		TagTypeIDs:    req.Tags,
		TaggedUserIDs: req.UserTags,
		Flags:         repository.AnnotationFlags{ReplyRequest: req.ReplyRequest, Star: req.Star, Bookmark: req.Bookmark},
	})
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create reply")
	}

	thread := s.reload(ctx, scope.ThreadID)
	s.broadcast(ctx, threadEvent{
		event:        EventNewReply,
		url:          scope.URL,
		classID:      scope.ClassID,
		threadID:     scope.ThreadID,
		actorID:      viewerID,
		annotationID: ann.ID,
		visibility:   req.Visibility,
		taggedUsers:  req.UserTags,
	}, thread)
	s.notifyReply(thread, ann, scope.URL)

	created := &dto.CreatedAnnotation{
		ID:        ann.ID,
		ThreadID:  ann.ThreadID,
		ParentID:  ann.ParentID,
		CreatedAt: ann.CreatedAt,
	}
	if thread != nil && thread.Head != nil {
		created.HeadAnnotationID = thread.Head.ID
	}
	return created, nil
}

// EditAnnotation replaces the editable state of an annotation and announces
// the change under its new visibility.
func (s *AnnotationService) EditAnnotation(ctx context.Context, id string, req dto.EditAnnotationRequest, viewerID string) error {
	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid annotation payload")
	}
	scope, err := s.scope(ctx, id)
	if err != nil {
		return err
	}

	err = s.repo.UpdateAnnotation(ctx, repository.UpdateAnnotationParams{
		ID:            id,
		ActorID:       viewerID,
		Content:       req.Content,
		Visibility:    req.Visibility,
		Anonymity:     req.Anonymity,
		Endorsed:      req.Endorsed,
		TagTypeIDs:    req.Tags,
		TaggedUserIDs: req.UserTags,
		ReplyRequest:  req.ReplyRequest,
		Star:          req.UpvotedByMe,
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "annotation not found")
		}
		return appErrors.Internal(err, "failed to update annotation")
	}

	s.broadcast(ctx, threadEvent{
		event:        EventUpdateThread,
		url:          scope.URL,
		classID:      scope.ClassID,
		threadID:     scope.ThreadID,
		actorID:      viewerID,
		annotationID: id,
		visibility:   req.Visibility,
	}, nil)
	return nil
}

// DeleteAnnotation removes an annotation. Deleting a head removes its thread
// and location too.
func (s *AnnotationService) DeleteAnnotation(ctx context.Context, id, viewerID string) error {
	ann, err := s.repo.GetAnnotation(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "annotation not found")
		}
		return appErrors.Internal(err, "failed to load annotation")
	}
	if err := s.repo.DeleteAnnotation(ctx, ann); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "annotation not found")
		}
		return appErrors.Internal(err, "failed to delete annotation")
	}
	s.logger.Info("annotation deleted",
		zap.String("annotation_id", id),
		zap.String("thread_id", ann.ThreadID),
		zap.Bool("head", ann.IsHead()),
		zap.String("actor_id", viewerID))
	return nil
}

// ToggleStar sets the viewer's star and announces the new count.
func (s *AnnotationService) ToggleStar(ctx context.Context, id string, star bool, viewerID string) error {
	scope, err := s.toggle(ctx, repository.SetStarrers, id, star, viewerID)
	if err != nil {
		return err
	}
	s.broadcast(ctx, threadEvent{
		event:        EventUpdateThread,
		url:          scope.URL,
		classID:      scope.ClassID,
		threadID:     scope.ThreadID,
		actorID:      viewerID,
		annotationID: id,
	}, nil)
	return nil
}

// ToggleBookmark sets the viewer's bookmark.
func (s *AnnotationService) ToggleBookmark(ctx context.Context, id string, bookmark bool, viewerID string) error {
	_, err := s.toggle(ctx, repository.SetBookmarkers, id, bookmark, viewerID)
	return err
}

// ToggleReplyRequest sets the viewer's reply request.
func (s *AnnotationService) ToggleReplyRequest(ctx context.Context, id string, requested bool, viewerID string) error {
	_, err := s.toggle(ctx, repository.SetReplyRequesters, id, requested, viewerID)
	return err
}

// MarkSeen records that viewerID has read the thread of annotation id.
func (s *AnnotationService) MarkSeen(ctx context.Context, id, viewerID string) error {
	scope, err := s.scope(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.MarkSeen(ctx, scope.ThreadID, viewerID); err != nil {
		return appErrors.Internal(err, "failed to mark thread seen")
	}
	return nil
}

func (s *AnnotationService) toggle(ctx context.Context, set repository.MemberSet, id string, member bool, viewerID string) (*repository.AnnotationScope, error) {
	scope, err := s.scope(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetMembership(ctx, set, id, scope.ThreadID, viewerID, member); err != nil {
		return nil, appErrors.Internal(err, "failed to update annotation markers")
	}
	return scope, nil
}

func (s *AnnotationService) scope(ctx context.Context, annotationID string) (*repository.AnnotationScope, error) {
	scope, err := s.repo.Scope(ctx, annotationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "annotation not found")
		}
		return nil, appErrors.Internal(err, "failed to resolve annotation")
	}
	return scope, nil
}

// threadEvent is one write to announce. An empty visibility is taken from
// the annotation after the thread is reloaded.
type threadEvent struct {
	event        string
	url          string
	classID      string
	threadID     string
	actorID      string
	annotationID string
	visibility   models.Visibility
	taggedUsers  []string
}

// reload fetches the thread after a write. A failure is logged and yields
// nil so the write itself still succeeds.
func (s *AnnotationService) reload(ctx context.Context, threadID string) *models.Thread {
	thread, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		s.logger.Warn("reload thread after write failed", zap.String("thread_id", threadID), zap.Error(err))
		return nil
	}
	return thread
}

// broadcast hands a snapshot of thread to the publisher, reloading it when
// thread is nil. Section rooms follow the peers of the thread head's author
// so replies reach the section the thread lives in.
func (s *AnnotationService) broadcast(ctx context.Context, ev threadEvent, thread *models.Thread) {
	if s.publisher == nil {
		return
	}
	if ev.visibility == models.VisibilityMyself {
		s.publisher.Publish(ctx, Broadcast{Event: ev.event, Visibility: ev.visibility})
		return
	}

	log := s.logger.With(zap.String("event", ev.event), zap.String("thread_id", ev.threadID))
	roster, err := s.rosters.Roster(ctx, ev.classID)
	if err != nil {
		log.Warn("load roster for broadcast failed", zap.Error(err))
		return
	}
	if thread == nil {
		if thread = s.reload(ctx, ev.threadID); thread == nil {
			return
		}
	}

	visibility := ev.visibility
	if visibility == "" {
		if ann := thread.Annotation(ev.annotationID); ann != nil {
			visibility = ann.Visibility
		}
	}

	payload := dto.BroadcastPayload{
		Thread:      s.assembler.AssembleBroadcast(thread, roster),
		AuthorID:    ev.actorID,
		TaggedUsers: ev.taggedUsers,
	}
	if ev.event != EventNewThread {
		payload.ThreadID = thread.ID
		if thread.Head != nil {
			payload.HeadAnnotationID = thread.Head.ID
		}
	}
	if ev.event == EventNewReply {
		payload.NewAnnotationID = ev.annotationID
	}

	threadAuthor := ev.actorID
	if thread.Head != nil && thread.Head.AuthorID != "" {
		threadAuthor = thread.Head.AuthorID
	}

	s.publisher.Publish(ctx, Broadcast{
		Event:       ev.event,
		URL:         ev.url,
		ClassID:     ev.classID,
		Visibility:  visibility,
		Roster:      roster,
		AuthorPeers: VisiblePeers(roster, threadAuthor, ClassifyViewer(roster, threadAuthor)),
		Payload:     payload,
	})
}

func (s *AnnotationService) notifyReply(thread *models.Thread, ann *models.Annotation, documentURL string) {
	if s.notifier == nil || thread == nil || ann.Visibility != models.VisibilityEveryone {
		return
	}
	stored := thread.Annotation(ann.ID)
	if stored == nil || stored.Author == nil {
		s.logger.Warn("reply author unavailable, notifications skipped",
			zap.String("annotation_id", ann.ID), zap.String("thread_id", thread.ID))
		return
	}
	queued := s.notifier.NotifyReply(thread, stored, stored.Author, documentURL)
	s.logger.Debug("reply notifications queued", zap.String("thread_id", thread.ID), zap.Int("count", queued))
}

// anchorFromRequest maps the request anchor onto the stored location. Image
// rects store the svg as both nodes and the rect origin as the offsets.
func anchorFromRequest(req dto.CreateThreadRequest) models.HTMLLocation {
	var loc models.HTMLLocation
	switch {
	case req.DrawAnnotationRect != nil:
		rect := req.DrawAnnotationRect
		width, height := rect.Width, rect.Height
		loc.StartNode = req.DrawAnnotationSvg
		loc.EndNode = req.DrawAnnotationSvg
		loc.StartOffset = rect.XOffset
		loc.EndOffset = rect.YOffset
		loc.Width = &width
		loc.Height = &height
	case req.Range != nil:
		loc.StartNode = req.Range.Start
		loc.EndNode = req.Range.End
		loc.StartOffset = req.Range.StartOffset
		loc.EndOffset = req.Range.EndOffset
	}
	loc.StartTime = req.VideoStartTime
	loc.EndTime = req.VideoEndTime
	return loc
}
