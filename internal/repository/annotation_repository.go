package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hgheiberger/nb/internal/models"
)

// MemberSet names a per-annotation user set a viewer can toggle.
type MemberSet string

const (
	SetReplyRequesters MemberSet = "annotation_reply_requesters"
	SetStarrers        MemberSet = "annotation_starrers"
	SetBookmarkers     MemberSet = "annotation_bookmarkers"
)

func (s MemberSet) valid() bool {
	switch s {
	case SetReplyRequesters, SetStarrers, SetBookmarkers:
		return true
	}
	return false
}

// AnnotationRepository persists threads, annotations and their user sets.
type AnnotationRepository struct {
	db *sqlx.DB
}

// NewAnnotationRepository constructs the repository.
func NewAnnotationRepository(db *sqlx.DB) *AnnotationRepository {
	return &AnnotationRepository{db: db}
}

const threadSelect = `SELECT t.id, t.location_id, l.source_id,
	h.id AS html_id, h.start_node, h.end_node, h.start_offset, h.end_offset,
	h.width, h.height, h.start_time, h.end_time
FROM threads t
JOIN locations l ON l.id = t.location_id
LEFT JOIN html_locations h ON h.location_id = l.id`

const annotationSelect = `SELECT a.id, a.thread_id, a.parent_id, a.author_id, a.content,
	a.visibility, a.anonymity, a.endorsed, a.created_at,
	u.id AS user_id, u.username, u.first_name, u.last_name, u.email,
	m.id AS media_id, m.type AS media_type, m.filepath AS media_filepath
FROM annotations a
LEFT JOIN users u ON u.id = a.author_id
LEFT JOIN annotation_media m ON m.id = a.media_id`

type threadRow struct {
	ID          string          `db:"id"`
	LocationID  string          `db:"location_id"`
	SourceID    string          `db:"source_id"`
	HTMLID      sql.NullString  `db:"html_id"`
	StartNode   sql.NullString  `db:"start_node"`
	EndNode     sql.NullString  `db:"end_node"`
	StartOffset sql.NullFloat64 `db:"start_offset"`
	EndOffset   sql.NullFloat64 `db:"end_offset"`
	Width       sql.NullFloat64 `db:"width"`
	Height      sql.NullFloat64 `db:"height"`
	StartTime   sql.NullFloat64 `db:"start_time"`
	EndTime     sql.NullFloat64 `db:"end_time"`
}

func (r threadRow) model() models.Thread {
	loc := &models.Location{ID: r.LocationID, SourceID: r.SourceID}
	if r.HTMLID.Valid {
		loc.HTML = &models.HTMLLocation{
			ID:          r.HTMLID.String,
			LocationID:  r.LocationID,
			StartNode:   r.StartNode.String,
			EndNode:     r.EndNode.String,
			StartOffset: r.StartOffset.Float64,
			EndOffset:   r.EndOffset.Float64,
			Width:       nullFloat(r.Width),
			Height:      nullFloat(r.Height),
			StartTime:   nullFloat(r.StartTime),
			EndTime:     nullFloat(r.EndTime),
		}
	}
	return models.Thread{ID: r.ID, LocationID: r.LocationID, Location: loc}
}

type annotationRow struct {
	ID         string         `db:"id"`
	ThreadID   string         `db:"thread_id"`
	ParentID   sql.NullString `db:"parent_id"`
	AuthorID   sql.NullString `db:"author_id"`
	Content    string         `db:"content"`
	Visibility string         `db:"visibility"`
	Anonymity  string         `db:"anonymity"`
	Endorsed   bool           `db:"endorsed"`
	CreatedAt  time.Time      `db:"created_at"`
	UserID     sql.NullString `db:"user_id"`
	Username   sql.NullString `db:"username"`
	FirstName  sql.NullString `db:"first_name"`
	LastName   sql.NullString `db:"last_name"`
	Email      sql.NullString `db:"email"`
	MediaID    sql.NullString `db:"media_id"`
	MediaType  sql.NullString `db:"media_type"`
	MediaPath  sql.NullString `db:"media_filepath"`
}

func (r annotationRow) model() models.Annotation {
	a := models.Annotation{
		ID:         r.ID,
		ThreadID:   r.ThreadID,
		AuthorID:   r.AuthorID.String,
		Content:    r.Content,
		Visibility: models.Visibility(r.Visibility),
		Anonymity:  models.Anonymity(r.Anonymity),
		Endorsed:   r.Endorsed,
		CreatedAt:  r.CreatedAt,
		TagTypeIDs: []string{},
	}
	if r.ParentID.Valid {
		parent := r.ParentID.String
		a.ParentID = &parent
	}
	if r.UserID.Valid {
		a.Author = &models.User{
			ID:        r.UserID.String,
			Username:  r.Username.String,
			FirstName: r.FirstName.String,
			LastName:  r.LastName.String,
			Email:     r.Email.String,
		}
	}
	if r.MediaID.Valid {
		a.Media = &models.Media{ID: r.MediaID.String, Type: r.MediaType.String, Filepath: r.MediaPath.String}
	}
	return a
}

type membershipRow struct {
	OwnerID  string `db:"owner_id"`
	MemberID string `db:"member_id"`
}

// ListThreadsBySource returns every thread anchored in a source, in location
// creation order, fully hydrated.
func (r *AnnotationRepository) ListThreadsBySource(ctx context.Context, sourceID string) ([]models.Thread, error) {
	var rows []threadRow
	query := threadSelect + ` WHERE l.source_id = $1 ORDER BY l.created_at, l.id`
	if err := r.db.SelectContext(ctx, &rows, query, sourceID); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	threads := make([]models.Thread, len(rows))
	for i, row := range rows {
		threads[i] = row.model()
	}
	if err := r.hydrateThreads(ctx, threads); err != nil {
		return nil, err
	}
	return threads, nil
}

// GetThread returns one hydrated thread.
func (r *AnnotationRepository) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	var row threadRow
	if err := r.db.GetContext(ctx, &row, threadSelect+` WHERE t.id = $1`, threadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	threads := []models.Thread{row.model()}
	if err := r.hydrateThreads(ctx, threads); err != nil {
		return nil, err
	}
	return &threads[0], nil
}

// GetAnnotation returns one annotation with its author, without user sets.
func (r *AnnotationRepository) GetAnnotation(ctx context.Context, id string) (*models.Annotation, error) {
	var row annotationRow
	if err := r.db.GetContext(ctx, &row, annotationSelect+` WHERE a.id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get annotation: %w", err)
	}
	a := row.model()
	return &a, nil
}

// ListChildren returns the direct replies of parentID, hydrated, in creation order.
func (r *AnnotationRepository) ListChildren(ctx context.Context, parentID string) ([]models.Annotation, error) {
	var rows []annotationRow
	if err := r.db.SelectContext(ctx, &rows, annotationSelect+` WHERE a.parent_id = $1 ORDER BY a.created_at, a.id`, parentID); err != nil {
		return nil, fmt.Errorf("list replies: %w", err)
	}
	out := make([]models.Annotation, len(rows))
	for i, row := range rows {
		out[i] = row.model()
	}
	if err := r.hydrateAnnotations(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AnnotationScope locates an annotation within its thread, document and class.
type AnnotationScope struct {
	AnnotationID string  `db:"annotation_id"`
	ParentID     *string `db:"parent_id"`
	ThreadID     string  `db:"thread_id"`
	SourceID     string  `db:"source_id"`
	ClassID      string  `db:"class_id"`
	URL          string  `db:"filepath"`
}

// Scope resolves the thread, source and class an annotation belongs to.
func (r *AnnotationRepository) Scope(ctx context.Context, annotationID string) (*AnnotationScope, error) {
	const query = `SELECT a.id AS annotation_id, a.parent_id, a.thread_id, src.id AS source_id, src.class_id, src.filepath
FROM annotations a
JOIN threads t ON t.id = a.thread_id
JOIN locations l ON l.id = t.location_id
JOIN sources src ON src.id = l.source_id
WHERE a.id = $1`
	var scope AnnotationScope
	if err := r.db.GetContext(ctx, &scope, query, annotationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve annotation scope: %w", err)
	}
	return &scope, nil
}

// ThreadSeenUsers returns who has seen a thread.
func (r *AnnotationRepository) ThreadSeenUsers(ctx context.Context, threadID string) (models.IDSet, error) {
	rows, err := r.memberships(ctx, `SELECT thread_id AS owner_id, user_id AS member_id FROM thread_seen_users
WHERE thread_id = ANY($1::uuid[]) ORDER BY created_at`, []string{threadID})
	if err != nil {
		return models.IDSet{}, fmt.Errorf("load seen users: %w", err)
	}
	var seen models.IDSet
	for _, row := range rows {
		seen.Add(row.MemberID)
	}
	return seen, nil
}

func (r *AnnotationRepository) hydrateThreads(ctx context.Context, threads []models.Thread) error {
	if len(threads) == 0 {
		return nil
	}
	ids := make([]string, len(threads))
	byID := make(map[string]*models.Thread, len(threads))
	for i := range threads {
		ids[i] = threads[i].ID
		byID[threads[i].ID] = &threads[i]
	}

	var rows []annotationRow
	query := annotationSelect + ` WHERE a.thread_id = ANY($1::uuid[]) ORDER BY a.created_at, a.id`
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return fmt.Errorf("list thread annotations: %w", err)
	}
	all := make([]models.Annotation, len(rows))
	for i, row := range rows {
		all[i] = row.model()
	}
	if err := r.hydrateAnnotations(ctx, all); err != nil {
		return err
	}
	for _, a := range all {
		if t, ok := byID[a.ThreadID]; ok {
			t.Annotations = append(t.Annotations, a)
		}
	}
	for i := range threads {
		for j := range threads[i].Annotations {
			if threads[i].Annotations[j].IsHead() {
				threads[i].Head = &threads[i].Annotations[j]
				break
			}
		}
	}

	sets := []struct {
		query  string
		target func(*models.Thread) *models.IDSet
	}{
		{`SELECT thread_id AS owner_id, user_id AS member_id FROM thread_seen_users WHERE thread_id = ANY($1::uuid[]) ORDER BY created_at`,
			func(t *models.Thread) *models.IDSet { return &t.SeenUsers }},
		{`SELECT thread_id AS owner_id, user_id AS member_id FROM thread_replied_users WHERE thread_id = ANY($1::uuid[]) ORDER BY created_at`,
			func(t *models.Thread) *models.IDSet { return &t.Replied }},
	}
	for _, set := range sets {
		members, err := r.memberships(ctx, set.query, ids)
		if err != nil {
			return fmt.Errorf("load thread users: %w", err)
		}
		for _, m := range members {
			if t, ok := byID[m.OwnerID]; ok {
				set.target(t).Add(m.MemberID)
			}
		}
	}
	return nil
}

func (r *AnnotationRepository) hydrateAnnotations(ctx context.Context, annotations []models.Annotation) error {
	if len(annotations) == 0 {
		return nil
	}
	ids := make([]string, len(annotations))
	byID := make(map[string]*models.Annotation, len(annotations))
	for i := range annotations {
		ids[i] = annotations[i].ID
		byID[annotations[i].ID] = &annotations[i]
	}

	tags, err := r.memberships(ctx, `SELECT annotation_id AS owner_id, tag_type_id AS member_id FROM tags
WHERE annotation_id = ANY($1::uuid[]) ORDER BY created_at, id`, ids)
	if err != nil {
		return fmt.Errorf("load tags: %w", err)
	}
	for _, t := range tags {
		if a, ok := byID[t.OwnerID]; ok {
			a.TagTypeIDs = append(a.TagTypeIDs, t.MemberID)
		}
	}

	sets := []struct {
		table  string
		target func(*models.Annotation) *models.IDSet
	}{
		{"annotation_tagged_users", func(a *models.Annotation) *models.IDSet { return &a.TaggedUsers }},
		{string(SetReplyRequesters), func(a *models.Annotation) *models.IDSet { return &a.ReplyRequesters }},
		{string(SetStarrers), func(a *models.Annotation) *models.IDSet { return &a.Starrers }},
		{string(SetBookmarkers), func(a *models.Annotation) *models.IDSet { return &a.Bookmarkers }},
	}
	for _, set := range sets {
		query := `SELECT annotation_id AS owner_id, user_id AS member_id FROM ` + set.table +
			` WHERE annotation_id = ANY($1::uuid[]) ORDER BY created_at`
		members, err := r.memberships(ctx, query, ids)
		if err != nil {
			return fmt.Errorf("load %s: %w", set.table, err)
		}
		for _, m := range members {
			if a, ok := byID[m.OwnerID]; ok {
				set.target(a).Add(m.MemberID)
			}
		}
	}
	return nil
}

func (r *AnnotationRepository) memberships(ctx context.Context, query string, ids []string) ([]membershipRow, error) {
	var rows []membershipRow
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, err
	}
	return rows, nil
}

// AnnotationFlags are the viewer's own markers set at creation time.
type AnnotationFlags struct {
	ReplyRequest bool
	Star         bool
	Bookmark     bool
}

// CreateThreadParams carries everything persisted for a new thread.
type CreateThreadParams struct {
	SourceID      string
	AuthorID      string
	Content       string
	Visibility    models.Visibility
	Anonymity     models.Anonymity
	Endorsed      bool
	Location      models.HTMLLocation
	TagTypeIDs    []string
	TaggedUserIDs []string
	Flags         AnnotationFlags
}

// CreateReplyParams carries everything persisted for a new reply.
type CreateReplyParams struct {
	ThreadID      string
	ParentID      string
	AuthorID      string
	Content       string
	Visibility    models.Visibility
	Anonymity     models.Anonymity
	TagTypeIDs    []string
	TaggedUserIDs []string
	Flags         AnnotationFlags
}

// UpdateAnnotationParams replaces the editable state of an annotation. A nil
// Star leaves the actor's star untouched.
type UpdateAnnotationParams struct {
	ID            string
	ActorID       string
	Content       string
	Visibility    models.Visibility
	Anonymity     models.Anonymity
	Endorsed      bool
	TagTypeIDs    []string
	TaggedUserIDs []string
	ReplyRequest  bool
	Star          *bool
}

// CreateThread inserts location, anchor, thread and head annotation together
// with tags and the author's markers in one transaction. The author becomes
// the only user who has seen and replied to the thread.
func (r *AnnotationRepository) CreateThread(ctx context.Context, params CreateThreadParams) (annotation *models.Annotation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create thread: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	locationID := uuid.NewString()
	threadID := uuid.NewString()
	loc := params.Location

	if _, err = tx.ExecContext(ctx, `INSERT INTO locations (id, source_id) VALUES ($1, $2)`, locationID, params.SourceID); err != nil {
		return nil, fmt.Errorf("insert location: %w", err)
	}
	const htmlQuery = `INSERT INTO html_locations (id, location_id, start_node, end_node, start_offset, end_offset, width, height, start_time, end_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	if _, err = tx.ExecContext(ctx, htmlQuery, uuid.NewString(), locationID, loc.StartNode, loc.EndNode,
		loc.StartOffset, loc.EndOffset, loc.Width, loc.Height, loc.StartTime, loc.EndTime); err != nil {
		return nil, fmt.Errorf("insert html location: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO threads (id, location_id) VALUES ($1, $2)`, threadID, locationID); err != nil {
		return nil, fmt.Errorf("insert thread: %w", err)
	}

	annotation = &models.Annotation{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		AuthorID:   params.AuthorID,
		Content:    params.Content,
		Visibility: params.Visibility,
		Anonymity:  params.Anonymity,
		Endorsed:   params.Endorsed,
	}
	if err = insertAnnotation(ctx, tx, annotation); err != nil {
		return nil, err
	}
	if err = writeAnnotationSets(ctx, tx, annotation.ID, params.AuthorID, params.TagTypeIDs, params.TaggedUserIDs, params.Flags); err != nil {
		return nil, err
	}
	if err = resetThreadUsers(ctx, tx, threadID, params.AuthorID); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create thread: %w", err)
	}
	return annotation, nil
}

// CreateReply inserts a child annotation in its parent's thread.
func (r *AnnotationRepository) CreateReply(ctx context.Context, params CreateReplyParams) (annotation *models.Annotation, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create reply: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	parent := params.ParentID
	annotation = &models.Annotation{
		ID:         uuid.NewString(),
		ThreadID:   params.ThreadID,
		ParentID:   &parent,
		AuthorID:   params.AuthorID,
		Content:    params.Content,
		Visibility: params.Visibility,
		Anonymity:  params.Anonymity,
	}
	if err = insertAnnotation(ctx, tx, annotation); err != nil {
		return nil, err
	}
	if err = writeAnnotationSets(ctx, tx, annotation.ID, params.AuthorID, params.TagTypeIDs, params.TaggedUserIDs, params.Flags); err != nil {
		return nil, err
	}
	if err = resetThreadUsers(ctx, tx, params.ThreadID, params.AuthorID); err != nil {
		return nil, err
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create reply: %w", err)
	}
	return annotation, nil
}

// UpdateAnnotation rewrites content and flags, recreates tags and tagged
// users, and applies the actor's reply request and star.
func (r *AnnotationRepository) UpdateAnnotation(ctx context.Context, params UpdateAnnotationParams) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update annotation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const updateQuery = `UPDATE annotations SET content = $2, visibility = $3, anonymity = $4, endorsed = $5 WHERE id = $1`
	res, err := tx.ExecContext(ctx, updateQuery, params.ID, params.Content, params.Visibility, params.Anonymity, params.Endorsed)
	if err != nil {
		return fmt.Errorf("update annotation: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM tags WHERE annotation_id = $1`, params.ID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM annotation_tagged_users WHERE annotation_id = $1`, params.ID); err != nil {
		return fmt.Errorf("clear tagged users: %w", err)
	}
	if err = writeAnnotationSets(ctx, tx, params.ID, params.ActorID, params.TagTypeIDs, params.TaggedUserIDs, AnnotationFlags{}); err != nil {
		return err
	}
	if err = setMember(ctx, tx, SetReplyRequesters, params.ID, params.ActorID, params.ReplyRequest); err != nil {
		return err
	}
	if params.Star != nil {
		if err = setMember(ctx, tx, SetStarrers, params.ID, params.ActorID, *params.Star); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit update annotation: %w", err)
	}
	return nil
}

// DeleteAnnotation removes an annotation and its descendants. Removing a head
// also removes its thread and location.
func (r *AnnotationRepository) DeleteAnnotation(ctx context.Context, annotation *models.Annotation) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete annotation: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM annotations WHERE id = $1`, annotation.ID)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if annotation.IsHead() {
		var locationID string
		if err = tx.GetContext(ctx, &locationID, `DELETE FROM threads WHERE id = $1 RETURNING location_id`, annotation.ThreadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM locations WHERE id = $1`, locationID); err != nil {
			return fmt.Errorf("delete location: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete annotation: %w", err)
	}
	return nil
}

// SetMembership adds or removes userID from one of the annotation's sets and
// then re-marks the user as having seen and replied to the thread.
func (r *AnnotationRepository) SetMembership(ctx context.Context, set MemberSet, annotationID, threadID, userID string, member bool) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set membership: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = setMember(ctx, tx, set, annotationID, userID, member); err != nil {
		return err
	}
	if err = touchThreadUser(ctx, tx, "thread_seen_users", threadID, userID); err != nil {
		return err
	}
	if err = touchThreadUser(ctx, tx, "thread_replied_users", threadID, userID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit set membership: %w", err)
	}
	return nil
}

// MarkSeen moves userID to the end of the thread's seen list.
func (r *AnnotationRepository) MarkSeen(ctx context.Context, threadID, userID string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark seen: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = touchThreadUser(ctx, tx, "thread_seen_users", threadID, userID); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit mark seen: %w", err)
	}
	return nil
}

func insertAnnotation(ctx context.Context, tx *sqlx.Tx, a *models.Annotation) error {
	const query = `INSERT INTO annotations (id, thread_id, parent_id, author_id, content, visibility, anonymity, endorsed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at`
	if err := tx.GetContext(ctx, &a.CreatedAt, query, a.ID, a.ThreadID, a.ParentID, a.AuthorID,
		a.Content, a.Visibility, a.Anonymity, a.Endorsed); err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func writeAnnotationSets(ctx context.Context, tx *sqlx.Tx, annotationID, actorID string, tagTypeIDs, taggedUserIDs []string, flags AnnotationFlags) error {
	if len(tagTypeIDs) > 0 {
		const query = `INSERT INTO tags (annotation_id, tag_type_id) SELECT $1, unnest($2::uuid[])`
		if _, err := tx.ExecContext(ctx, query, annotationID, pq.Array(tagTypeIDs)); err != nil {
			return fmt.Errorf("insert tags: %w", err)
		}
	}
	if len(taggedUserIDs) > 0 {
		const query = `INSERT INTO annotation_tagged_users (annotation_id, user_id) SELECT $1, unnest($2::uuid[]) ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, query, annotationID, pq.Array(taggedUserIDs)); err != nil {
			return fmt.Errorf("insert tagged users: %w", err)
		}
	}
	marks := []struct {
		on  bool
		set MemberSet
	}{
		{flags.ReplyRequest, SetReplyRequesters},
		{flags.Star, SetStarrers},
		{flags.Bookmark, SetBookmarkers},
	}
	for _, m := range marks {
		if !m.on {
			continue
		}
		if err := setMember(ctx, tx, m.set, annotationID, actorID, true); err != nil {
			return err
		}
	}
	return nil
}

func setMember(ctx context.Context, tx *sqlx.Tx, set MemberSet, annotationID, userID string, member bool) error {
	if !set.valid() {
		return fmt.Errorf("unknown member set %q", set)
	}
	var query string
	if member {
		query = `INSERT INTO ` + string(set) + ` (annotation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	} else {
		query = `DELETE FROM ` + string(set) + ` WHERE annotation_id = $1 AND user_id = $2`
	}
	if _, err := tx.ExecContext(ctx, query, annotationID, userID); err != nil {
		return fmt.Errorf("update %s: %w", set, err)
	}
	return nil
}

func resetThreadUsers(ctx context.Context, tx *sqlx.Tx, threadID, userID string) error {
	for _, table := range []string{"thread_seen_users", "thread_replied_users"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE thread_id = $1`, threadID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (thread_id, user_id) VALUES ($1, $2)`, threadID, userID); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

func touchThreadUser(ctx context.Context, tx *sqlx.Tx, table, threadID, userID string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE thread_id = $1 AND user_id = $2`, threadID, userID); err != nil {
		return fmt.Errorf("remove from %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO `+table+` (thread_id, user_id) VALUES ($1, $2)`, threadID, userID); err != nil {
		return fmt.Errorf("add to %s: %w", table, err)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
