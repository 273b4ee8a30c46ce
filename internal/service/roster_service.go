package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/internal/repository"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
)

type rosterRepository interface {
	FindSource(ctx context.Context, url, classID string) (*models.Source, error)
	LoadRoster(ctx context.Context, classID string) (*models.Roster, error)
	MemberSections(ctx context.Context, userID, classID string) ([]models.Section, error)
	ClassesWithSource(ctx context.Context, userID, url string) ([]models.Class, error)
	ListTagTypes(ctx context.Context, classID string) ([]models.TagType, error)
}

type userDirectory interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	Follows(ctx context.Context, userID string) (models.IDSet, error)
}

// RosterCache abstracts the key value store rosters are cached in.
type RosterCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RosterService resolves documents, rosters and the class directory.
type RosterService struct {
	repo    rosterRepository
	users   userDirectory
	cache   RosterCache
	ttl     time.Duration
	metrics *MetricsService
	logger  *zap.Logger
}

// NewRosterService constructs the service. A nil cache or a zero ttl loads
// every roster from the database.
func NewRosterService(repo rosterRepository, users userDirectory, cache RosterCache, ttl time.Duration, metrics *MetricsService, logger *zap.Logger) *RosterService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterService{repo: repo, users: users, cache: cache, ttl: ttl, metrics: metrics, logger: logger}
}

func rosterKey(classID string) string { return "roster:" + classID }

// Source resolves the document at url within classID.
func (s *RosterService) Source(ctx context.Context, url, classID string) (*models.Source, error) {
	src, err := s.repo.FindSource(ctx, url, classID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "source not found")
		}
		return nil, appErrors.Internal(err, "failed to load source")
	}
	return src, nil
}

// Roster returns the role snapshot of a class, served from cache when fresh.
func (s *RosterService) Roster(ctx context.Context, classID string) (*models.Roster, error) {
	if s.cacheEnabled() {
		start := time.Now()
		var cached models.Roster
		err := s.cache.Get(ctx, rosterKey(classID), &cached)
		s.metrics.RecordCacheOperation(err == nil, time.Since(start))
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			s.logger.Warn("roster cache read failed", zap.String("class_id", classID), zap.Error(err))
			if delErr := s.cache.Delete(ctx, rosterKey(classID)); delErr != nil {
				s.logger.Warn("roster cache evict failed", zap.String("class_id", classID), zap.Error(delErr))
			}
		}
	}

	roster, err := s.repo.LoadRoster(ctx, classID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load class roster")
	}

	if s.cacheEnabled() {
		if err := s.cache.Set(ctx, rosterKey(classID), roster, s.ttl); err != nil {
			s.logger.Warn("roster cache write failed", zap.String("class_id", classID), zap.Error(err))
		}
	}
	return roster, nil
}

// Viewer loads the roster of classID and resolves viewerID against it.
func (s *RosterService) Viewer(ctx context.Context, classID, viewerID string, sectioned bool) (*models.Roster, ViewerContext, error) {
	roster, err := s.Roster(ctx, classID)
	if err != nil {
		return nil, ViewerContext{}, err
	}
	return roster, NewViewerContext(roster, viewerID, sectioned), nil
}

// Follows returns the users viewerID follows. Lookup failures degrade to an
// empty set since follows only decorate records.
func (s *RosterService) Follows(ctx context.Context, viewerID string) models.IDSet {
	follows, err := s.users.Follows(ctx, viewerID)
	if err != nil {
		s.logger.Warn("load follows failed", zap.String("viewer_id", viewerID), zap.Error(err))
		return models.IDSet{}
	}
	return follows
}

// MyCurrentSection returns the non-global section of viewerID in classID, or
// an empty string.
func (s *RosterService) MyCurrentSection(ctx context.Context, classID, viewerID string) (string, error) {
	sections, err := s.repo.MemberSections(ctx, viewerID, classID)
	if err != nil {
		return "", appErrors.Internal(err, "failed to load sections")
	}
	for _, sec := range sections {
		if !sec.IsGlobal {
			return sec.ID, nil
		}
	}
	return "", nil
}

// MyClasses lists the classes of viewerID that contain the document at url.
func (s *RosterService) MyClasses(ctx context.Context, url, viewerID string) ([]models.Class, error) {
	classes, err := s.repo.ClassesWithSource(ctx, viewerID, url)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list classes")
	}
	if classes == nil {
		classes = []models.Class{}
	}
	return classes, nil
}

// ClassUsers returns the directory of the class owning the document, keyed
// by user id. Viewers without a role get an empty directory.
func (s *RosterService) ClassUsers(ctx context.Context, q dto.ClassUsersQuery, viewerID string) (map[string]dto.ClassUser, error) {
	if _, err := s.Source(ctx, q.URL, q.ClassID); err != nil {
		return nil, err
	}
	roster, err := s.Roster(ctx, q.ClassID)
	if err != nil {
		return nil, err
	}
	out := map[string]dto.ClassUser{}
	if !ClassifyViewer(roster, viewerID).HasRole() {
		return out, nil
	}

	ids := roster.Instructors.Union(roster.TAs)
	for _, sec := range roster.Sections {
		ids = ids.Union(sec.MemberIDs)
	}
	users, err := s.users.FindByIDs(ctx, ids.Slice())
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load class users")
	}
	for _, u := range users {
		out[u.ID] = dto.ClassUser{
			ID:       u.ID,
			Username: u.Username,
			Name:     dto.ClassUserName{First: u.FirstName, Last: u.LastName},
			Role:     ClassifyViewer(roster, u.ID).MemberRole(),
		}
	}
	return out, nil
}

// TagTypes lists the hashtags of the class owning the document.
func (s *RosterService) TagTypes(ctx context.Context, q dto.TagTypesQuery) ([]models.TagType, error) {
	src, err := s.Source(ctx, q.URL, q.ClassID)
	if err != nil {
		return nil, err
	}
	tags, err := s.repo.ListTagTypes(ctx, src.ClassID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to list tag types")
	}
	if tags == nil {
		tags = []models.TagType{}
	}
	return tags, nil
}

func (s *RosterService) cacheEnabled() bool {
	return s.cache != nil && s.ttl > 0
}
