package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/internal/repository"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/realtime"
)

// memAnnotationRepo keeps threads of the src1 document of class C in memory.
type memAnnotationRepo struct {
	mu      sync.Mutex
	users   map[string]models.User
	threads map[string]*models.Thread
	order   []string
	seq     int
}

func newMemAnnotationRepo(users map[string]models.User) *memAnnotationRepo {
	return &memAnnotationRepo{users: users, threads: map[string]*models.Thread{}}
}

func (m *memAnnotationRepo) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s%d", prefix, m.seq)
}

func (m *memAnnotationRepo) find(id string) (*models.Thread, *models.Annotation) {
	for _, tid := range m.order {
		t := m.threads[tid]
		if a := t.Annotation(id); a != nil {
			return t, a
		}
	}
	return nil, nil
}

func (m *memAnnotationRepo) hydrate(a models.Annotation) models.Annotation {
	a.TaggedUsers = a.TaggedUsers.Union()
	a.ReplyRequesters = a.ReplyRequesters.Union()
	a.Starrers = a.Starrers.Union()
	a.Bookmarkers = a.Bookmarkers.Union()
	a.TagTypeIDs = append([]string{}, a.TagTypeIDs...)
	a.Author = nil
	if u, ok := m.users[a.AuthorID]; ok {
		a.Author = &u
	}
	return a
}

func (m *memAnnotationRepo) snapshot(t *models.Thread) models.Thread {
	out := *t
	out.Annotations = make([]models.Annotation, len(t.Annotations))
	for i, a := range t.Annotations {
		out.Annotations[i] = m.hydrate(a)
	}
	out.SeenUsers = t.SeenUsers.Union()
	out.Replied = t.Replied.Union()
	out.Head = nil
	for i := range out.Annotations {
		if out.Annotations[i].IsHead() {
			out.Head = &out.Annotations[i]
			break
		}
	}
	return out
}

func (m *memAnnotationRepo) ListThreadsBySource(_ context.Context, sourceID string) ([]models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Thread{}
	for _, tid := range m.order {
		if t := m.threads[tid]; t.Location.SourceID == sourceID {
			out = append(out, m.snapshot(t))
		}
	}
	return out, nil
}

func (m *memAnnotationRepo) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := m.snapshot(t)
	return &out, nil
}

func (m *memAnnotationRepo) GetAnnotation(_ context.Context, id string) (*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, a := m.find(id)
	if a == nil {
		return nil, sql.ErrNoRows
	}
	out := m.hydrate(*a)
	return &out, nil
}

func (m *memAnnotationRepo) ListChildren(_ context.Context, parentID string) ([]models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Annotation{}
	t, _ := m.find(parentID)
	if t == nil {
		return out, nil
	}
	for _, a := range t.Annotations {
		if a.ParentID != nil && *a.ParentID == parentID {
			out = append(out, m.hydrate(a))
		}
	}
	return out, nil
}

func (m *memAnnotationRepo) ThreadSeenUsers(_ context.Context, threadID string) (models.IDSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		return t.SeenUsers.Union(), nil
	}
	return models.IDSet{}, nil
}

func (m *memAnnotationRepo) Scope(_ context.Context, annotationID string) (*repository.AnnotationScope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, a := m.find(annotationID)
	if a == nil {
		return nil, sql.ErrNoRows
	}
	return &repository.AnnotationScope{
		AnnotationID: a.ID,
		ParentID:     a.ParentID,
		ThreadID:     t.ID,
		SourceID:     t.Location.SourceID,
		ClassID:      "C",
		URL:          docURL,
	}, nil
}

func applyFlags(a *models.Annotation, actorID string, flags repository.AnnotationFlags) {
	if flags.ReplyRequest {
		a.ReplyRequesters.Add(actorID)
	}
	if flags.Star {
		a.Starrers.Add(actorID)
	}
	if flags.Bookmark {
		a.Bookmarkers.Add(actorID)
	}
}

func (m *memAnnotationRepo) CreateThread(_ context.Context, p repository.CreateThreadParams) (*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	threadID := m.nextID("t")
	loc := p.Location
	head := models.Annotation{
		ID:          m.nextID("a"),
		ThreadID:    threadID,
		AuthorID:    p.AuthorID,
		Content:     p.Content,
		Visibility:  p.Visibility,
		Anonymity:   p.Anonymity,
		Endorsed:    p.Endorsed,
		CreatedAt:   time.Now(),
		TagTypeIDs:  p.TagTypeIDs,
		TaggedUsers: models.NewIDSet(p.TaggedUserIDs...),
	}
	applyFlags(&head, p.AuthorID, p.Flags)
	m.threads[threadID] = &models.Thread{
		ID:          threadID,
		LocationID:  "l" + threadID,
		Location:    &models.Location{ID: "l" + threadID, SourceID: p.SourceID, HTML: &loc},
		Annotations: []models.Annotation{head},
		SeenUsers:   models.NewIDSet(p.AuthorID),
		Replied:     models.NewIDSet(p.AuthorID),
	}
	m.order = append(m.order, threadID)
	return &head, nil
}

func (m *memAnnotationRepo) CreateReply(_ context.Context, p repository.CreateReplyParams) (*models.Annotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[p.ThreadID]
	if !ok {
		return nil, errors.New("thread missing")
	}
	parent := p.ParentID
	child := models.Annotation{
		ID:          m.nextID("a"),
		ThreadID:    p.ThreadID,
		ParentID:    &parent,
		AuthorID:    p.AuthorID,
		Content:     p.Content,
		Visibility:  p.Visibility,
		Anonymity:   p.Anonymity,
		CreatedAt:   time.Now(),
		TagTypeIDs:  p.TagTypeIDs,
		TaggedUsers: models.NewIDSet(p.TaggedUserIDs...),
	}
	applyFlags(&child, p.AuthorID, p.Flags)
	t.Annotations = append(t.Annotations, child)
	t.SeenUsers = models.NewIDSet(p.AuthorID)
	t.Replied = models.NewIDSet(p.AuthorID)
	return &child, nil
}

func (m *memAnnotationRepo) UpdateAnnotation(_ context.Context, p repository.UpdateAnnotationParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, a := m.find(p.ID)
	if a == nil {
		return sql.ErrNoRows
	}
	a.Content = p.Content
	a.Visibility = p.Visibility
	a.Anonymity = p.Anonymity
	a.Endorsed = p.Endorsed
	a.TagTypeIDs = p.TagTypeIDs
	a.TaggedUsers = models.NewIDSet(p.TaggedUserIDs...)
	a.ReplyRequesters = toggled(a.ReplyRequesters, p.ActorID, p.ReplyRequest)
	if p.Star != nil {
		a.Starrers = toggled(a.Starrers, p.ActorID, *p.Star)
	}
	return nil
}

func (m *memAnnotationRepo) DeleteAnnotation(_ context.Context, ann *models.Annotation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, a := m.find(ann.ID)
	if a == nil {
		return sql.ErrNoRows
	}
	if a.IsHead() {
		delete(m.threads, t.ID)
		for i, tid := range m.order {
			if tid == t.ID {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
		return nil
	}
	kept := t.Annotations[:0]
	for _, other := range t.Annotations {
		if other.ID != ann.ID {
			kept = append(kept, other)
		}
	}
	t.Annotations = kept
	return nil
}

func (m *memAnnotationRepo) SetMembership(_ context.Context, set repository.MemberSet, annotationID, threadID, userID string, member bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, a := m.find(annotationID)
	if a == nil {
		return sql.ErrNoRows
	}
	switch set {
	case repository.SetStarrers:
		a.Starrers = toggled(a.Starrers, userID, member)
	case repository.SetBookmarkers:
		a.Bookmarkers = toggled(a.Bookmarkers, userID, member)
	case repository.SetReplyRequesters:
		a.ReplyRequesters = toggled(a.ReplyRequesters, userID, member)
	default:
		return fmt.Errorf("unknown member set %q", set)
	}
	t.SeenUsers = toggled(toggled(t.SeenUsers, userID, false), userID, true)
	t.Replied = toggled(toggled(t.Replied, userID, false), userID, true)
	return nil
}

func (m *memAnnotationRepo) MarkSeen(_ context.Context, threadID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.threads[threadID]; ok {
		t.SeenUsers = toggled(toggled(t.SeenUsers, userID, false), userID, true)
	}
	return nil
}

func toggled(set models.IDSet, id string, member bool) models.IDSet {
	var out models.IDSet
	for _, existing := range set.Slice() {
		if existing != id {
			out.Add(existing)
		}
	}
	if member {
		out.Add(id)
	}
	return out
}

type notifyCall struct {
	threadID  string
	replyID   string
	replierID string
	url       string
}

type recordingNotifier struct {
	calls []notifyCall
}

func (r *recordingNotifier) NotifyReply(thread *models.Thread, replyAnn *models.Annotation, replier *models.User, documentURL string) int {
	r.calls = append(r.calls, notifyCall{threadID: thread.ID, replyID: replyAnn.ID, replierID: replier.ID, url: documentURL})
	return 1
}

type annotationFixture struct {
	svc       *AnnotationService
	repo      *memAnnotationRepo
	rosters   *stubRosterRepo
	transport *fakeTransport
	notifier  *recordingNotifier
	metrics   *MetricsService
}

func newAnnotationFixture(t *testing.T) *annotationFixture {
	t.Helper()
	users := newStubUsers()
	rosterRepo := newStubRosterRepo()
	metrics := NewMetricsService()
	transport := &fakeTransport{open: []string{
		realtime.GlobalRoomID(docURL, "C"),
		realtime.SectionRoomID(docURL, "C", "A"),
		realtime.SectionRoomID(docURL, "C", "B"),
	}}
	repo := newMemAnnotationRepo(users.users)
	notifier := &recordingNotifier{}
	svc := NewAnnotationService(
		repo,
		NewRosterService(rosterRepo, users, nil, 0, metrics, nil),
		nil,
		NewBroadcastRouter(transport, metrics, nil),
		notifier,
		nil,
		nil,
	)
	return &annotationFixture{svc: svc, repo: repo, rosters: rosterRepo, transport: transport, notifier: notifier, metrics: metrics}
}

func textThread(visibility models.Visibility) dto.CreateThreadRequest {
	return dto.CreateThreadRequest{
		DocumentRef: dto.DocumentRef{URL: docURL, ClassID: "C"},
		Content:     "<p>Why does this hold?</p>",
		Range:       &dto.RangeInput{Start: "/p[1]", End: "/p[1]", StartOffset: 2, EndOffset: 9},
		Tags:        []string{"tag-q"},
		UserTags:    []string{"S2"},
		Visibility:  visibility,
		Anonymity:   models.AnonymityNamed,
	}
}

func publicReply(content string) dto.CreateReplyRequest {
	return dto.CreateReplyRequest{Content: content, Visibility: models.VisibilityEveryone, Anonymity: models.AnonymityNamed}
}

func (f *annotationFixture) thread(t *testing.T, threadID, viewerID string) dto.ThreadSnapshot {
	t.Helper()
	snap, err := f.svc.GetThread(context.Background(), dto.SpecificThreadQuery{URL: docURL, ClassID: "C", ThreadID: threadID}, viewerID)
	require.NoError(t, err)
	return *snap
}

func TestAnnotationServiceCreateThreadBroadcastsAndLists(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, created.HeadAnnotationID)

	assert.Equal(t, []string{realtime.GlobalRoomID(docURL, "C"), realtime.SectionRoomID(docURL, "C", "A")}, f.transport.rooms())
	payload := f.transport.emits[0].Payload
	assert.Equal(t, EventNewThread, f.transport.emits[0].Event)
	assert.Equal(t, "S1", payload.AuthorID)
	assert.Equal(t, []string{"S2"}, payload.TaggedUsers)
	assert.ElementsMatch(t, []string{"I", "T", "S1"}, payload.UserIDs)
	require.NotNil(t, payload.Thread.HeadAnnotation)
	assert.Equal(t, created.ID, payload.Thread.HeadAnnotation.ID)
	assert.False(t, payload.Thread.HeadAnnotation.SeenByMe)

	listing, err := f.svc.ListThreads(ctx, dto.ListThreadsQuery{URL: docURL, ClassID: "C"}, "I")
	require.NoError(t, err)
	require.Len(t, listing.HeadAnnotations, 1)
	head := listing.HeadAnnotations[0]
	assert.Equal(t, []string{"tag-q"}, head.Hashtags)
	assert.Equal(t, []string{"S2"}, head.People)
	require.NotNil(t, head.Range)
	assert.Equal(t, models.ShapeText, head.Range.Shape)

	sectioned, err := f.svc.ListThreads(ctx, dto.ListThreadsQuery{URL: docURL, ClassID: "C", Sectioned: true}, "S2")
	require.NoError(t, err)
	assert.Empty(t, sectioned.HeadAnnotations)

	stranger, err := f.svc.ListThreads(ctx, dto.ListThreadsQuery{URL: docURL, ClassID: "C"}, "stranger")
	require.NoError(t, err)
	assert.Empty(t, stranger.HeadAnnotations)
	assert.Empty(t, stranger.AnnotationsData)
}

func TestAnnotationServiceCreateThreadValidation(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()

	missing := textThread("")
	_, err := f.svc.CreateThread(ctx, missing, "S1")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	unanchored := textThread(models.VisibilityEveryone)
	unanchored.Range = nil
	_, err = f.svc.CreateThread(ctx, unanchored, "S1")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	start, end := 12.0, 4.0
	backwards := textThread(models.VisibilityEveryone)
	backwards.VideoStartTime, backwards.VideoEndTime = &start, &end
	_, err = f.svc.CreateThread(ctx, backwards, "S1")
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	elsewhere := textThread(models.VisibilityEveryone)
	elsewhere.URL = "https://nb.example/missing.html"
	_, err = f.svc.CreateThread(ctx, elsewhere, "S1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	assert.Empty(t, f.repo.order)
	assert.Empty(t, f.transport.emits)
}

func TestAnnotationServiceCreateThreadOnImage(t *testing.T) {
	f := newAnnotationFixture(t)
	req := textThread(models.VisibilityMyself)
	req.Range = nil
	req.DrawAnnotationRect = &dto.RectInput{XOffset: 10, YOffset: 20, Width: 30, Height: 40}
	req.DrawAnnotationSvg = "<svg id=\"fig-1\"/>"

	created, err := f.svc.CreateThread(context.Background(), req, "S1")
	require.NoError(t, err)

	loc := f.repo.threads[created.ThreadID].Location.HTML
	assert.Equal(t, req.DrawAnnotationSvg, loc.StartNode)
	assert.Equal(t, req.DrawAnnotationSvg, loc.EndNode)
	assert.Equal(t, 10.0, loc.StartOffset)
	assert.Equal(t, 20.0, loc.EndOffset)
	require.NotNil(t, loc.Width)
	assert.Equal(t, 30.0, *loc.Width)
	assert.Equal(t, models.ShapeImage, loc.Shape())

	assert.Empty(t, f.transport.emits)
	assert.Zero(t, f.transport.roomCalls)
}

func TestAnnotationServiceReplyRoundTrip(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.transport.emits = nil

	req := publicReply("Because of the lemma.")
	req.ReplyRequest = true
	req.Star = true
	created, err := f.svc.CreateReply(ctx, head.ID, req, "S2")
	require.NoError(t, err)
	assert.Equal(t, head.ThreadID, created.ThreadID)
	assert.Equal(t, head.ID, created.HeadAnnotationID)
	require.NotNil(t, created.ParentID)
	assert.Equal(t, head.ID, *created.ParentID)

	snap := f.thread(t, head.ThreadID, "S2")
	require.NotNil(t, snap.HeadAnnotation)
	replies := snap.AnnotationsData[head.ID]
	require.Len(t, replies, 1)
	assert.Equal(t, created.ID, replies[0].ID)
	assert.True(t, replies[0].ReplyRequestedByMe)
	assert.True(t, replies[0].StarredByMe)
	assert.Equal(t, 1, replies[0].StarCount)

	require.NotEmpty(t, f.transport.emits)
	payload := f.transport.emits[0].Payload
	assert.Equal(t, EventNewReply, f.transport.emits[0].Event)
	assert.Equal(t, head.ThreadID, payload.ThreadID)
	assert.Equal(t, head.ID, payload.HeadAnnotationID)
	assert.Equal(t, created.ID, payload.NewAnnotationID)
	assert.Equal(t, []string{realtime.GlobalRoomID(docURL, "C"), realtime.SectionRoomID(docURL, "C", "A")}, f.transport.rooms())
	assert.ElementsMatch(t, []string{"I", "T", "S1"}, payload.UserIDs)

	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, notifyCall{threadID: head.ThreadID, replyID: created.ID, replierID: "S2", url: docURL}, f.notifier.calls[0])
}

func TestAnnotationServiceReplyFollowsInstructorThreadToEverySection(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "I")
	require.NoError(t, err)
	f.transport.emits = nil

	_, err = f.svc.CreateReply(ctx, head.ID, publicReply("me too"), "S2")
	require.NoError(t, err)
	assert.Equal(t, []string{
		realtime.GlobalRoomID(docURL, "C"),
		realtime.SectionRoomID(docURL, "C", "A"),
		realtime.SectionRoomID(docURL, "C", "B"),
	}, f.transport.rooms())
}

func TestAnnotationServiceReplyNotifiesWhenRosterUnavailable(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.transport.emits = nil
	f.rosters.rosterErr = errors.New("db down")

	created, err := f.svc.CreateReply(ctx, head.ID, publicReply("Because of the lemma."), "S2")
	require.NoError(t, err)
	assert.Equal(t, head.ID, created.HeadAnnotationID)
	assert.Empty(t, f.transport.emits)
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, "S2", f.notifier.calls[0].replierID)
}

func TestAnnotationServiceReplyNotifiesWithoutPublisher(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.svc.publisher = nil

	_, err = f.svc.CreateReply(ctx, head.ID, publicReply("quiet channel"), "S2")
	require.NoError(t, err)
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, head.ThreadID, f.notifier.calls[0].threadID)
}

func TestAnnotationServicePrivateReplyStaysQuiet(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.transport.emits = nil
	roomCalls := f.transport.roomCalls

	req := publicReply("note to self")
	req.Visibility = models.VisibilityMyself
	_, err = f.svc.CreateReply(ctx, head.ID, req, "S2")
	require.NoError(t, err)

	assert.Empty(t, f.transport.emits)
	assert.Equal(t, roomCalls, f.transport.roomCalls)
	assert.Empty(t, f.notifier.calls)
	assert.Empty(t, f.thread(t, head.ThreadID, "S1").AnnotationsData)
}

func TestAnnotationServiceReplyToMissingParent(t *testing.T) {
	f := newAnnotationFixture(t)
	_, err := f.svc.CreateReply(context.Background(), "nope", publicReply("hi"), "S2")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAnnotationServiceListReplies(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)

	_, err = f.svc.CreateReply(ctx, head.ID, publicReply("public"), "S2")
	require.NoError(t, err)
	staffOnly := publicReply("for the instructor")
	staffOnly.Visibility = models.VisibilityInstructors
	_, err = f.svc.CreateReply(ctx, head.ID, staffOnly, "I")
	require.NoError(t, err)

	forStudent, err := f.svc.ListReplies(ctx, head.ID, "S2")
	require.NoError(t, err)
	assert.Len(t, forStudent, 1)
	assert.Nil(t, forStudent[0].Range)

	forInstructor, err := f.svc.ListReplies(ctx, head.ID, "I")
	require.NoError(t, err)
	assert.Len(t, forInstructor, 2)

	forStranger, err := f.svc.ListReplies(ctx, head.ID, "stranger")
	require.NoError(t, err)
	assert.Empty(t, forStranger)
}

func TestAnnotationServiceStarToggleIsIdempotent(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	before := f.thread(t, head.ThreadID, "S2").HeadAnnotation.StarCount
	f.transport.emits = nil

	require.NoError(t, f.svc.ToggleStar(ctx, head.ID, true, "S2"))
	require.NoError(t, f.svc.ToggleStar(ctx, head.ID, true, "S2"))
	starred := f.thread(t, head.ThreadID, "S2").HeadAnnotation
	assert.True(t, starred.StarredByMe)
	assert.Equal(t, before+1, starred.StarCount)
	assert.True(t, starred.SeenByMe)

	require.NoError(t, f.svc.ToggleStar(ctx, head.ID, false, "S2"))
	unstarred := f.thread(t, head.ThreadID, "S2").HeadAnnotation
	assert.False(t, unstarred.StarredByMe)
	assert.Equal(t, before, unstarred.StarCount)

	events := map[string]int{}
	for _, e := range f.transport.emits {
		events[e.Event]++
		assert.Equal(t, head.ThreadID, e.Payload.ThreadID)
		assert.Equal(t, head.ID, e.Payload.HeadAnnotationID)
	}
	assert.Equal(t, map[string]int{EventUpdateThread: len(f.transport.emits)}, events)
	assert.NotEmpty(t, f.transport.emits)
}

func TestAnnotationServiceBookmarkAndReplyRequestDoNotBroadcast(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.transport.emits = nil

	require.NoError(t, f.svc.ToggleBookmark(ctx, head.ID, true, "I"))
	require.NoError(t, f.svc.ToggleReplyRequest(ctx, head.ID, true, "I"))

	rec := f.thread(t, head.ThreadID, "I").HeadAnnotation
	assert.True(t, rec.Bookmarked)
	assert.True(t, rec.ReplyRequestedByMe)
	assert.True(t, rec.SeenByMe)
	assert.Empty(t, f.transport.emits)

	require.NoError(t, f.svc.ToggleBookmark(ctx, head.ID, false, "I"))
	assert.False(t, f.thread(t, head.ThreadID, "I").HeadAnnotation.Bookmarked)

	assert.ErrorIs(t, f.svc.ToggleBookmark(ctx, "nope", true, "I"), appErrors.ErrNotFound)
}

func TestAnnotationServiceMarkSeen(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	assert.False(t, f.thread(t, head.ThreadID, "T").HeadAnnotation.SeenByMe)

	reply, err := f.svc.CreateReply(ctx, head.ID, publicReply("reply"), "S2")
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkSeen(ctx, head.ID, "T"))
	require.NoError(t, f.svc.MarkSeen(ctx, reply.ID, "T"))
	assert.True(t, f.thread(t, head.ThreadID, "T").HeadAnnotation.SeenByMe)
	assert.Equal(t, []string{"S2", "T"}, f.repo.threads[head.ThreadID].SeenUsers.Slice())

	assert.ErrorIs(t, f.svc.MarkSeen(ctx, head.ThreadID, "T"), appErrors.ErrNotFound)
	assert.ErrorIs(t, f.svc.MarkSeen(ctx, "nope", "T"), appErrors.ErrNotFound)
}

func TestAnnotationServiceEditRoutesByNewVisibility(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	f.transport.emits = nil

	star := true
	err = f.svc.EditAnnotation(ctx, head.ID, dto.EditAnnotationRequest{
		Content:     "<p>Rephrased</p>",
		Tags:        []string{},
		Visibility:  models.VisibilityInstructors,
		Anonymity:   models.AnonymityAnonymous,
		UpvotedByMe: &star,
	}, "S1")
	require.NoError(t, err)

	assert.Equal(t, []string{realtime.GlobalRoomID(docURL, "C")}, f.transport.rooms())
	assert.Equal(t, []string{"I"}, f.transport.emits[0].Payload.UserIDs)
	assert.Equal(t, AnonymousName, f.transport.emits[0].Payload.Thread.HeadAnnotation.AuthorName)

	rec := f.thread(t, head.ThreadID, "S1").HeadAnnotation
	assert.Equal(t, "<p>Rephrased</p>", rec.HTML)
	assert.Empty(t, rec.Hashtags)
	assert.Empty(t, rec.People)
	assert.True(t, rec.StarredByMe)

	assert.Nil(t, f.thread(t, head.ThreadID, "S2").HeadAnnotation)

	err = f.svc.EditAnnotation(ctx, "nope", dto.EditAnnotationRequest{Visibility: models.VisibilityEveryone, Anonymity: models.AnonymityNamed}, "S1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestAnnotationServiceDeleteCascades(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	child, err := f.svc.CreateReply(ctx, head.ID, publicReply("reply"), "S2")
	require.NoError(t, err)
	emitted := len(f.transport.emits)

	require.NoError(t, f.svc.DeleteAnnotation(ctx, child.ID, "S2"))
	assert.Empty(t, f.thread(t, head.ThreadID, "S1").AnnotationsData)

	require.NoError(t, f.svc.DeleteAnnotation(ctx, head.ID, "S1"))
	_, err = f.svc.GetThread(ctx, dto.SpecificThreadQuery{URL: docURL, ClassID: "C", ThreadID: head.ThreadID}, "S1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	listing, err := f.svc.ListThreads(ctx, dto.ListThreadsQuery{URL: docURL, ClassID: "C"}, "S1")
	require.NoError(t, err)
	assert.Empty(t, listing.HeadAnnotations)
	assert.Len(t, f.transport.emits, emitted)

	assert.ErrorIs(t, f.svc.DeleteAnnotation(ctx, head.ID, "S1"), appErrors.ErrNotFound)
}

func TestAnnotationServiceGetThreadChecksDocument(t *testing.T) {
	f := newAnnotationFixture(t)
	ctx := context.Background()
	head, err := f.svc.CreateThread(ctx, textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)

	const otherURL = "https://nb.example/other.html"
	f.rosters.sources[otherURL+"|C"] = &models.Source{ID: "src2", ClassID: "C", Filepath: otherURL}
	_, err = f.svc.GetThread(ctx, dto.SpecificThreadQuery{URL: otherURL, ClassID: "C", ThreadID: head.ThreadID}, "S1")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = f.svc.GetThread(ctx, dto.SpecificThreadQuery{URL: docURL, ClassID: "C"}, "S1")
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestAnnotationServiceWriteSurvivesBroadcastFailure(t *testing.T) {
	f := newAnnotationFixture(t)
	f.transport.roomsErr = errors.New("registry down")
	f.transport.emitErr = map[string]error{realtime.GlobalRoomID(docURL, "C"): errors.New("socket closed")}

	created, err := f.svc.CreateThread(context.Background(), textThread(models.VisibilityEveryone), "S1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, uint64(1), f.metrics.Snapshot().BroadcastFailures)
}
