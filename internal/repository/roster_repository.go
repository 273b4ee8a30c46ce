package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/hgheiberger/nb/internal/models"
)

// RosterRepository reads classes, sources and role assignments.
type RosterRepository struct {
	db *sqlx.DB
}

// NewRosterRepository constructs the repository.
func NewRosterRepository(db *sqlx.DB) *RosterRepository {
	return &RosterRepository{db: db}
}

// FindSource resolves a document by filepath within a class.
func (r *RosterRepository) FindSource(ctx context.Context, url, classID string) (*models.Source, error) {
	const query = `SELECT id, class_id, filepath, filename, deleted FROM sources WHERE filepath = $1 AND class_id = $2 LIMIT 1`
	var src models.Source
	if err := r.db.GetContext(ctx, &src, query, url, classID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("find source: %w", err)
	}
	return &src, nil
}

// LoadRoster returns the instructors, TAs and sections of a class. Sections
// and their members keep creation order.
func (r *RosterRepository) LoadRoster(ctx context.Context, classID string) (*models.Roster, error) {
	roster := &models.Roster{ClassID: classID}

	var instructors []string
	if err := r.db.SelectContext(ctx, &instructors,
		`SELECT user_id FROM class_instructors WHERE class_id = $1 ORDER BY created_at, user_id`, classID); err != nil {
		return nil, fmt.Errorf("load instructors: %w", err)
	}
	roster.Instructors = models.NewIDSet(instructors...)

	var tas []string
	if err := r.db.SelectContext(ctx, &tas,
		`SELECT user_id FROM class_tas WHERE class_id = $1 ORDER BY created_at, user_id`, classID); err != nil {
		return nil, fmt.Errorf("load tas: %w", err)
	}
	roster.TAs = models.NewIDSet(tas...)

	if err := r.db.SelectContext(ctx, &roster.Sections,
		`SELECT id, class_id, section_name, is_global FROM sections WHERE class_id = $1 ORDER BY created_at, id`, classID); err != nil {
		return nil, fmt.Errorf("load sections: %w", err)
	}

	var members []struct {
		SectionID string `db:"section_id"`
		UserID    string `db:"user_id"`
	}
	const membersQuery = `SELECT ss.section_id, ss.user_id FROM section_students ss
JOIN sections s ON s.id = ss.section_id
WHERE s.class_id = $1 ORDER BY ss.created_at, ss.user_id`
	if err := r.db.SelectContext(ctx, &members, membersQuery, classID); err != nil {
		return nil, fmt.Errorf("load section members: %w", err)
	}
	for _, m := range members {
		if sec := roster.Section(m.SectionID); sec != nil {
			sec.MemberIDs.Add(m.UserID)
		}
	}
	return roster, nil
}

// MemberSections lists the sections of classID that userID belongs to.
func (r *RosterRepository) MemberSections(ctx context.Context, userID, classID string) ([]models.Section, error) {
	const query = `SELECT s.id, s.class_id, s.section_name, s.is_global FROM sections s
JOIN section_students ss ON ss.section_id = s.id
WHERE ss.user_id = $1 AND s.class_id = $2 ORDER BY s.created_at, s.id`
	var sections []models.Section
	if err := r.db.SelectContext(ctx, &sections, query, userID, classID); err != nil {
		return nil, fmt.Errorf("list member sections: %w", err)
	}
	return sections, nil
}

// ClassesWithSource lists the classes where userID holds any role and a
// non-deleted source with the given filepath exists.
func (r *RosterRepository) ClassesWithSource(ctx context.Context, userID, url string) ([]models.Class, error) {
	const query = `SELECT c.id, c.class_name FROM classes c
WHERE EXISTS (SELECT 1 FROM sources src WHERE src.class_id = c.id AND src.filepath = $2 AND NOT src.deleted)
AND (
	EXISTS (SELECT 1 FROM class_instructors ci WHERE ci.class_id = c.id AND ci.user_id = $1)
	OR EXISTS (SELECT 1 FROM class_tas ct WHERE ct.class_id = c.id AND ct.user_id = $1)
	OR EXISTS (SELECT 1 FROM section_students ss JOIN sections s ON s.id = ss.section_id WHERE s.class_id = c.id AND ss.user_id = $1)
)
ORDER BY c.class_name, c.id`
	var classes []models.Class
	if err := r.db.SelectContext(ctx, &classes, query, userID, url); err != nil {
		return nil, fmt.Errorf("list classes with source: %w", err)
	}
	return classes, nil
}

// ListTagTypes returns the hashtags defined for a class.
func (r *RosterRepository) ListTagTypes(ctx context.Context, classID string) ([]models.TagType, error) {
	const query = `SELECT id, class_id, value, emoji FROM tag_types WHERE class_id = $1 ORDER BY created_at, id`
	var tags []models.TagType
	if err := r.db.SelectContext(ctx, &tags, query, classID); err != nil {
		return nil, fmt.Errorf("list tag types: %w", err)
	}
	return tags, nil
}
