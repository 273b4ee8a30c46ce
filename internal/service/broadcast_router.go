package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/pkg/realtime"
)

// Real-time event names.
const (
	EventNewThread    = "new_thread"
	EventNewReply     = "new_reply"
	EventUpdateThread = "update_thread"
)

// RoutePlan is the outcome of routing one event: the rooms to emit to and the
// users allowed to render it.
type RoutePlan struct {
	Rooms      []string
	Recipients models.IDSet
}

// Empty reports a plan that emits nothing.
func (p RoutePlan) Empty() bool { return len(p.Rooms) == 0 }

// PlanRoute selects rooms for an event on the document addressed by global.
// Private annotations select nothing. Instructor-only annotations go to the
// global room for instructors. Public annotations go to the global room plus
// every open section room whose members the thread author can reach.
func PlanRoute(global string, visibility models.Visibility, roster *models.Roster, authorPeers models.IDSet, openRooms []string) RoutePlan {
	if roster == nil {
		return RoutePlan{}
	}
	switch visibility {
	case models.VisibilityInstructors:
		return RoutePlan{Rooms: []string{global}, Recipients: roster.Instructors.Union()}
	case models.VisibilityEveryone:
		recipients := roster.Instructors.Union(roster.TAs, authorPeers)
		rooms := models.NewIDSet(global)
		for _, room := range openRooms {
			sectionID, ok := realtime.SectionFromRoom(global, room)
			if !ok {
				continue
			}
			sec := roster.Section(sectionID)
			if sec == nil || !sec.MemberIDs.Intersects(recipients) {
				continue
			}
			rooms.Add(room)
		}
		return RoutePlan{Rooms: rooms.Slice(), Recipients: recipients}
	default:
		return RoutePlan{}
	}
}

// Broadcast describes one thread event to fan out. AuthorPeers are the
// visible peers of the thread head's author.
type Broadcast struct {
	Event       string
	URL         string
	ClassID     string
	Visibility  models.Visibility
	Roster      *models.Roster
	AuthorPeers models.IDSet
	Payload     dto.BroadcastPayload
}

// BroadcastRouter fans thread events out over the real-time transport.
type BroadcastRouter struct {
	transport realtime.Transport
	metrics   *MetricsService
	logger    *zap.Logger
}

// NewBroadcastRouter constructs a router over transport.
func NewBroadcastRouter(transport realtime.Transport, metrics *MetricsService, logger *zap.Logger) *BroadcastRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BroadcastRouter{transport: transport, metrics: metrics, logger: logger}
}

// Publish plans and emits b, one identical payload per room. Failures are
// logged and counted and never surface to the writer.
func (r *BroadcastRouter) Publish(ctx context.Context, b Broadcast) RoutePlan {
	if r == nil || r.transport == nil {
		return RoutePlan{}
	}
	if b.Visibility != models.VisibilityEveryone && b.Visibility != models.VisibilityInstructors {
		r.metrics.RecordBroadcast(b.Event, OutcomeSkipped)
		return RoutePlan{}
	}

	global := realtime.GlobalRoomID(b.URL, b.ClassID)
	var open []string
	if b.Visibility == models.VisibilityEveryone {
		rooms, err := r.transport.Rooms(ctx, global+":")
		if err != nil {
			r.logger.Warn("list open rooms failed, emitting to global room only",
				zap.String("room", global), zap.Error(err))
		}
		open = rooms
	}

	plan := PlanRoute(global, b.Visibility, b.Roster, b.AuthorPeers, open)
	r.metrics.ObserveBroadcastPlan(len(plan.Rooms))

	payload := b.Payload
	payload.UserIDs = plan.Recipients.Slice()
	for _, room := range plan.Rooms {
		if err := r.transport.Emit(ctx, room, b.Event, payload); err != nil {
			r.metrics.RecordBroadcast(b.Event, OutcomeFailed)
			r.logger.Error("emit thread event failed",
				zap.String("event", b.Event), zap.String("room", room), zap.Error(err))
			continue
		}
		r.metrics.RecordBroadcast(b.Event, OutcomeSent)
	}
	r.logger.Debug("thread event published",
		zap.String("event", b.Event), zap.Strings("rooms", plan.Rooms), zap.Int("recipients", plan.Recipients.Len()))
	return plan
}

// StreamRoom picks the single room a client joins for a document: staff and
// students without a section share the global room, other students join
// their section room.
func StreamRoom(url, classID string, roster *models.Roster, role ViewerRole, viewerID string) string {
	if !role.IsStaff() {
		if sec := StudentSection(roster, viewerID); sec != nil {
			return realtime.SectionRoomID(url, classID, sec.ID)
		}
	}
	return realtime.GlobalRoomID(url, classID)
}
