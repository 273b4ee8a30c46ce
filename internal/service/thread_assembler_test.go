package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func reply(id, parent, author string, visibility models.Visibility, minute int) models.Annotation {
	a := *note(id, author, visibility)
	a.ThreadID = "t1"
	a.ParentID = &parent
	a.CreatedAt = baseTime.Add(time.Duration(minute) * time.Minute)
	return a
}

// discussion is a thread headed by S1 with replies from S2 (EVERYONE), I
// (INSTRUCTORS), S2 again (MYSELF) and a nested reply from S1.
func discussion() models.Thread {
	head := *note("h", "S1", models.VisibilityEveryone)
	head.ThreadID = "t1"
	head.CreatedAt = baseTime
	head.TagTypeIDs = []string{"tag-q"}
	head.TaggedUsers = models.NewIDSet("S2")
	head.Starrers = models.NewIDSet("S2", "I")
	head.ReplyRequesters = models.NewIDSet("S1")

	annotations := []models.Annotation{
		head,
		reply("r1", "h", "S2", models.VisibilityEveryone, 1),
		reply("r2", "h", "I", models.VisibilityInstructors, 2),
		reply("r3", "h", "S2", models.VisibilityMyself, 3),
		reply("r4", "r1", "S1", models.VisibilityEveryone, 4),
	}
	t := models.Thread{
		ID:          "t1",
		LocationID:  "l1",
		Location:    &models.Location{ID: "l1", HTML: &models.HTMLLocation{StartNode: "/p[1]", EndNode: "/p[2]", EndOffset: 4}},
		Annotations: annotations,
		SeenUsers:   models.NewIDSet("S1"),
	}
	t.Head = &t.Annotations[0]
	return t
}

func replyIDs(records []dto.AnnotationRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func TestAssembleListingForStudent(t *testing.T) {
	assembler := NewThreadAssembler(zap.NewNop())
	roster := sectionedRoster()
	vc := NewViewerContext(roster, "S2", false)

	listing := assembler.AssembleListing([]models.Thread{discussion()}, vc, models.NewIDSet("S1"))

	require.Len(t, listing.HeadAnnotations, 1)
	head := listing.HeadAnnotations[0]
	assert.Equal(t, "h", head.ID)
	assert.True(t, head.StarredByMe)
	assert.Equal(t, 2, head.StarCount)
	assert.False(t, head.ReplyRequestedByMe)
	assert.Equal(t, 1, head.ReplyRequestCount)
	assert.False(t, head.SeenByMe)
	assert.True(t, head.Followed)
	assert.Equal(t, []string{"tag-q"}, head.Hashtags)
	assert.Equal(t, []string{"S2"}, head.People)
	require.NotNil(t, head.Range)
	assert.Equal(t, models.ShapeText, head.Range.Shape)

	assert.Equal(t, []string{"r1", "r3"}, replyIDs(listing.AnnotationsData["h"]))
	assert.Equal(t, []string{"r4"}, replyIDs(listing.AnnotationsData["r1"]))
}

func TestAssembleListingForInstructor(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	vc := NewViewerContext(roster, "I", false)

	listing := assembler.AssembleListing([]models.Thread{discussion()}, vc, models.IDSet{})

	assert.Equal(t, []string{"r1", "r2"}, replyIDs(listing.AnnotationsData["h"]))
	r2 := listing.AnnotationsData["h"][1]
	assert.True(t, r2.Instructor)
}

func TestAssembleListingOmitsParentsWithOnlyHiddenReplies(t *testing.T) {
	thread := discussion()
	thread.Annotations[4].Visibility = models.VisibilityMyself
	vc := NewViewerContext(sectionedRoster(), "I", false)

	listing := NewThreadAssembler(nil).AssembleListing([]models.Thread{thread}, vc, models.IDSet{})

	assert.Equal(t, []string{"r1", "r2"}, replyIDs(listing.AnnotationsData["h"]))
	_, ok := listing.AnnotationsData["r1"]
	assert.False(t, ok)
}

func TestAssembleListingHiddenHeadDropsReplies(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	thread := discussion()
	thread.Annotations[0].Visibility = models.VisibilityMyself

	listing := assembler.AssembleListing([]models.Thread{thread}, NewViewerContext(roster, "S2", false), models.IDSet{})

	assert.Empty(t, listing.HeadAnnotations)
	assert.Empty(t, listing.AnnotationsData)
}

func TestAssembleListingSectionedScenario(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	threads := []models.Thread{discussion()}

	hidden := assembler.AssembleListing(threads, NewViewerContext(roster, "S2", true), models.IDSet{})
	assert.Empty(t, hidden.HeadAnnotations)

	visible := assembler.AssembleListing(threads, NewViewerContext(roster, "I", true), models.IDSet{})
	assert.Len(t, visible.HeadAnnotations, 1)
}

func TestAssembleListingSkipsUnresolvedThreads(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()

	headless := discussion()
	headless.ID = "t-headless"
	headless.Head = nil

	authorless := discussion()
	authorless.ID = "t-authorless"
	authorless.Annotations[0].Author = nil
	authorless.Head = &authorless.Annotations[0]

	listing := assembler.AssembleListing([]models.Thread{headless, authorless, discussion()}, NewViewerContext(roster, "I", false), models.IDSet{})
	require.Len(t, listing.HeadAnnotations, 1)
	assert.Equal(t, "h", listing.HeadAnnotations[0].ID)
}

func TestAssembleListingWithoutRoleIsEmpty(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	listing := assembler.AssembleListing([]models.Thread{discussion()}, NewViewerContext(sectionedRoster(), "stranger", false), models.IDSet{})
	assert.Empty(t, listing.HeadAnnotations)
	assert.NotNil(t, listing.AnnotationsData)
}

func TestAssembleListingMasksAnonymousAuthors(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	thread := discussion()
	thread.Annotations[0].Anonymity = models.AnonymityAnonymous
	threads := []models.Thread{thread}

	peer := assembler.AssembleListing(threads, NewViewerContext(roster, "S2", false), models.IDSet{})
	assert.Equal(t, AnonymousName, peer.HeadAnnotations[0].AuthorName)

	self := assembler.AssembleListing(threads, NewViewerContext(roster, "S1", false), models.IDSet{})
	assert.Equal(t, "S1", self.HeadAnnotations[0].AuthorName)

	staff := assembler.AssembleListing(threads, NewViewerContext(roster, "I", false), models.IDSet{})
	assert.Equal(t, "S1", staff.HeadAnnotations[0].AuthorName)
}

func TestAssembleThread(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	thread := discussion()

	snapshot := assembler.AssembleThread(&thread, NewViewerContext(roster, "S1", false), models.IDSet{})
	require.NotNil(t, snapshot.HeadAnnotation)
	assert.True(t, snapshot.HeadAnnotation.SeenByMe)
	assert.True(t, snapshot.HeadAnnotation.ReplyRequestedByMe)
	assert.Equal(t, []string{"r1"}, replyIDs(snapshot.AnnotationsData["h"]))

	thread.Annotations[0].Visibility = models.VisibilityInstructors
	hidden := assembler.AssembleThread(&thread, NewViewerContext(roster, "S2", false), models.IDSet{})
	assert.Nil(t, hidden.HeadAnnotation)
	assert.Empty(t, hidden.AnnotationsData)
}

func TestAssembleBroadcastIsViewerAgnostic(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	thread := discussion()
	thread.Annotations[1].Anonymity = models.AnonymityAnonymous

	snapshot := assembler.AssembleBroadcast(&thread, roster)
	require.NotNil(t, snapshot.HeadAnnotation)
	assert.False(t, snapshot.HeadAnnotation.StarredByMe)
	assert.Equal(t, 2, snapshot.HeadAnnotation.StarCount)
	assert.Equal(t, []string{"r1", "r2"}, replyIDs(snapshot.AnnotationsData["h"]))
	assert.Equal(t, AnonymousName, snapshot.AnnotationsData["h"][0].AuthorName)
	assert.True(t, snapshot.AnnotationsData["h"][1].Instructor)
}

func TestAssembleReplies(t *testing.T) {
	assembler := NewThreadAssembler(nil)
	roster := sectionedRoster()
	thread := discussion()
	children := thread.Annotations[1:4]

	records := assembler.AssembleReplies(children, thread.SeenUsers, NewViewerContext(roster, "S2", false), models.IDSet{})
	assert.Equal(t, []string{"r1", "r3"}, replyIDs(records))
	for _, r := range records {
		assert.Nil(t, r.Range)
	}
}
