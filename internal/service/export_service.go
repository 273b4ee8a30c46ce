package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/models"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
	"github.com/hgheiberger/nb/pkg/export"
	"github.com/hgheiberger/nb/pkg/storage"
)

// Export formats.
const (
	ExportCSV = "csv"
	ExportPDF = "pdf"
)

type exportThreadLister interface {
	ListThreadsBySource(ctx context.Context, sourceID string) ([]models.Thread, error)
}

type exportRosters interface {
	Source(ctx context.Context, url, classID string) (*models.Source, error)
	Roster(ctx context.Context, classID string) (*models.Roster, error)
}

type exportArchive interface {
	Put(name string, r io.Reader) (int64, error)
	Open(name string) (*os.File, error)
	Sweep(age time.Duration) ([]string, error)
}

type exportLinkSigner interface {
	Sign(subject, name string) (string, storage.Link, error)
	Verify(token string) (storage.Link, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	RetainFor time.Duration
}

// ExportResult describes an archived export and the link to fetch it.
type ExportResult struct {
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Size      int64     `json:"size"`
	Rows      int       `json:"rows"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ExportDownload is an opened export ready for streaming.
type ExportDownload struct {
	File     *os.File
	Filename string
	MimeType string
	Size     int64
}

// ExportService renders the instructor view of a document discussion and
// archives it behind a signed download link.
type ExportService struct {
	threads   exportThreadLister
	rosters   exportRosters
	archive   exportArchive
	signer    exportLinkSigner
	assembler *ThreadAssembler
	validator *validator.Validate
	logger    *zap.Logger
	cfg       ExportConfig
	now       func() time.Time
}

// NewExportService constructs an ExportService.
func NewExportService(threads exportThreadLister, rosters exportRosters, archive exportArchive, signer exportLinkSigner, cfg ExportConfig, validate *validator.Validate, logger *zap.Logger) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetainFor <= 0 {
		cfg.RetainFor = 24 * time.Hour
	}
	return &ExportService{
		threads:   threads,
		rosters:   rosters,
		archive:   archive,
		signer:    signer,
		assembler: NewThreadAssembler(logger),
		validator: validate,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// ExportThreads archives the discussion of one document. Only instructors of
// the class may export.
func (s *ExportService) ExportThreads(ctx context.Context, q dto.ExportQuery, viewerID string) (*ExportResult, error) {
	if err := s.validator.Struct(q); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export query")
	}
	format := q.Format
	if format == "" {
		format = ExportCSV
	}

	src, err := s.rosters.Source(ctx, q.URL, q.ClassID)
	if err != nil {
		return nil, err
	}
	roster, err := s.rosters.Roster(ctx, src.ClassID)
	if err != nil {
		return nil, err
	}
	if !ClassifyViewer(roster, viewerID).IsInstructor {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only instructors can export discussions")
	}

	threads, err := s.threads.ListThreadsBySource(ctx, src.ID)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to load threads")
	}
	listing := s.assembler.AssembleListing(threads, NewViewerContext(roster, viewerID, false), models.IDSet{})
	dataset := discussionDataset(src, listing)

	var buf bytes.Buffer
	switch format {
	case ExportPDF:
		err = export.WritePDF(&buf, dataset)
	default:
		err = export.WriteCSV(&buf, dataset)
	}
	if err != nil {
		return nil, appErrors.Internal(err, "failed to render export")
	}

	name := s.exportName(src, format)
	size, err := s.archive.Put(name, &buf)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to store export")
	}
	token, link, err := s.signer.Sign(viewerID, name)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to sign export link")
	}

	s.logger.Info("discussion exported",
		zap.String("source_id", src.ID),
		zap.String("format", format),
		zap.Int("rows", len(dataset.Rows)),
		zap.String("viewer_id", viewerID))

	return &ExportResult{
		Name:      name,
		Format:    format,
		Size:      size,
		Rows:      len(dataset.Rows),
		URL:       strings.TrimRight(s.cfg.APIPrefix, "/") + "/annotations/export/download?token=" + token,
		ExpiresAt: link.ExpiresAt,
	}, nil
}

// Open verifies a download token issued to viewerID and opens the export.
func (s *ExportService) Open(token, viewerID string) (*ExportDownload, error) {
	link, err := s.signer.Verify(token)
	if err != nil {
		if errors.Is(err, storage.ErrLinkExpired) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	if link.Subject != viewerID {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "download link issued to another user")
	}

	file, err := s.archive.Open(link.Name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export no longer available")
		}
		return nil, appErrors.Internal(err, "failed to open export")
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, appErrors.Internal(err, "failed to stat export")
	}

	filename := link.Name
	if i := strings.LastIndex(filename, "/"); i >= 0 {
		filename = filename[i+1:]
	}
	mime := "text/csv"
	if strings.HasSuffix(filename, "."+ExportPDF) {
		mime = "application/pdf"
	}
	return &ExportDownload{File: file, Filename: filename, MimeType: mime, Size: info.Size()}, nil
}

// Sweep removes exports older than the retention window.
func (s *ExportService) Sweep() ([]string, error) {
	removed, err := s.archive.Sweep(s.cfg.RetainFor)
	if err != nil {
		return nil, err
	}
	if len(removed) > 0 {
		s.logger.Info("expired exports removed", zap.Int("count", len(removed)))
	}
	return removed, nil
}

func (s *ExportService) exportName(src *models.Source, format string) string {
	base := src.Filename
	if base == "" {
		base = src.ID
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	stamp := s.now().UTC().Format("20060102_150405")
	return fmt.Sprintf("%s/%s_%s.%s", sanitizeFilename(src.ClassID), sanitizeFilename(base), stamp, format)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := replacer.Replace(raw)
	if len(result) > 80 {
		return result[:80]
	}
	return result
}

var discussionColumns = []export.Column{
	{Header: "Thread", Width: 1},
	{Header: "Annotation", Width: 1},
	{Header: "Parent", Width: 1},
	{Header: "Author", Width: 1.4},
	{Header: "Role", Width: 0.8},
	{Header: "Visibility", Width: 1},
	{Header: "Created", Width: 1.3},
	{Header: "Stars", Width: 0.5},
	{Header: "Reply requests", Width: 0.7},
	{Header: "Content", Width: 4},
}

// discussionDataset flattens a listing into rows, each head followed by its
// replies depth first.
func discussionDataset(src *models.Source, listing dto.ThreadListing) export.Dataset {
	title := src.Filename
	if title == "" {
		title = src.Filepath
	}
	data := export.Dataset{Title: "Discussion of " + title, Columns: discussionColumns, Rows: [][]string{}}

	var walk func(rec dto.AnnotationRecord)
	walk = func(rec dto.AnnotationRecord) {
		data.Rows = append(data.Rows, discussionRow(rec))
		for _, child := range listing.AnnotationsData[rec.ID] {
			walk(child)
		}
	}
	for _, head := range listing.HeadAnnotations {
		walk(head)
	}
	return data
}

func discussionRow(rec dto.AnnotationRecord) []string {
	parent := ""
	if rec.Parent != nil {
		parent = *rec.Parent
	}
	role := "student"
	switch {
	case rec.Instructor:
		role = "instructor"
	case rec.TA:
		role = "ta"
	}
	return []string{
		rec.ThreadID,
		rec.ID,
		parent,
		rec.AuthorName,
		role,
		string(rec.Visibility),
		rec.Timestamp.UTC().Format(time.RFC3339),
		strconv.Itoa(rec.StarCount),
		strconv.Itoa(rec.ReplyRequestCount),
		Excerpt(rec.HTML),
	}
}
