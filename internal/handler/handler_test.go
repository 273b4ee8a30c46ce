package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgheiberger/nb/internal/dto"
	"github.com/hgheiberger/nb/internal/middleware"
	"github.com/hgheiberger/nb/internal/models"
	"github.com/hgheiberger/nb/internal/service"
	appErrors "github.com/hgheiberger/nb/pkg/errors"
)

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asViewer(c *gin.Context, id string) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: id})
}

type envelope struct {
	Data  json.RawMessage        `json:"data"`
	Error *appErrors.Error       `json:"error"`
	Meta  map[string]interface{} `json:"meta"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

type annotationServiceMock struct {
	listQuery  dto.ListThreadsQuery
	listing    *dto.ThreadListing
	created    *dto.CreatedAnnotation
	createReq  dto.CreateThreadRequest
	replyTo    string
	viewer     string
	toggledID  string
	toggledVal bool
	toggleKind string
	err        error
}

func (m *annotationServiceMock) ListThreads(_ context.Context, q dto.ListThreadsQuery, viewerID string) (*dto.ThreadListing, error) {
	m.listQuery, m.viewer = q, viewerID
	return m.listing, m.err
}

func (m *annotationServiceMock) GetThread(_ context.Context, _ dto.SpecificThreadQuery, viewerID string) (*dto.ThreadSnapshot, error) {
	m.viewer = viewerID
	return &dto.ThreadSnapshot{AnnotationsData: map[string][]dto.AnnotationRecord{}}, m.err
}

func (m *annotationServiceMock) ListReplies(_ context.Context, parentID, viewerID string) ([]dto.AnnotationRecord, error) {
	m.replyTo, m.viewer = parentID, viewerID
	return []dto.AnnotationRecord{{ID: "r1"}}, m.err
}

func (m *annotationServiceMock) CreateThread(_ context.Context, req dto.CreateThreadRequest, viewerID string) (*dto.CreatedAnnotation, error) {
	m.createReq, m.viewer = req, viewerID
	return m.created, m.err
}

func (m *annotationServiceMock) CreateReply(_ context.Context, parentID string, _ dto.CreateReplyRequest, viewerID string) (*dto.CreatedAnnotation, error) {
	m.replyTo, m.viewer = parentID, viewerID
	return m.created, m.err
}

func (m *annotationServiceMock) EditAnnotation(_ context.Context, id string, _ dto.EditAnnotationRequest, viewerID string) error {
	m.toggledID, m.viewer = id, viewerID
	return m.err
}

func (m *annotationServiceMock) DeleteAnnotation(_ context.Context, id, viewerID string) error {
	m.toggledID, m.viewer = id, viewerID
	return m.err
}

func (m *annotationServiceMock) ToggleStar(_ context.Context, id string, star bool, viewerID string) error {
	m.toggleKind, m.toggledID, m.toggledVal, m.viewer = "star", id, star, viewerID
	return m.err
}

func (m *annotationServiceMock) ToggleBookmark(_ context.Context, id string, bookmark bool, viewerID string) error {
	m.toggleKind, m.toggledID, m.toggledVal, m.viewer = "bookmark", id, bookmark, viewerID
	return m.err
}

func (m *annotationServiceMock) ToggleReplyRequest(_ context.Context, id string, requested bool, viewerID string) error {
	m.toggleKind, m.toggledID, m.toggledVal, m.viewer = "replyRequest", id, requested, viewerID
	return m.err
}

func (m *annotationServiceMock) MarkSeen(_ context.Context, id, viewerID string) error {
	m.toggleKind, m.toggledID, m.viewer = "seen", id, viewerID
	return m.err
}

func TestAnnotationHandlerListRequiresViewer(t *testing.T) {
	h := NewAnnotationHandler(&annotationServiceMock{})
	c, w := newGinContext(http.MethodGet, "/annotations/annotation?url=u&class=C", nil)

	h.List(c)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAnnotationHandlerList(t *testing.T) {
	svc := &annotationServiceMock{listing: &dto.ThreadListing{
		HeadAnnotations: []dto.AnnotationRecord{{ID: "a1"}},
		AnnotationsData: map[string][]dto.AnnotationRecord{},
	}}
	h := NewAnnotationHandler(svc)
	c, w := newGinContext(http.MethodGet, "/annotations/annotation?url=https://example.com/doc&class=C&sectioned=true", nil)
	asViewer(c, "S1")

	h.List(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, dto.ListThreadsQuery{URL: "https://example.com/doc", ClassID: "C", Sectioned: true}, svc.listQuery)
	assert.Equal(t, "S1", svc.viewer)

	env := decode(t, w)
	var listing dto.ThreadListing
	require.NoError(t, json.Unmarshal(env.Data, &listing))
	require.Len(t, listing.HeadAnnotations, 1)
	assert.Equal(t, float64(1), env.Meta["threads"])
}

func TestAnnotationHandlerCreate(t *testing.T) {
	svc := &annotationServiceMock{created: &dto.CreatedAnnotation{ID: "a1", ThreadID: "t1", HeadAnnotationID: "a1"}}
	h := NewAnnotationHandler(svc)

	payload, _ := json.Marshal(map[string]interface{}{
		"url": "https://example.com/doc", "class": "C", "content": "hi",
		"range":      map[string]interface{}{"start": "/p[1]", "end": "/p[1]", "startOffset": 0, "endOffset": 4},
		"visibility": "EVERYONE", "anonymity": "NAMED",
	})
	c, w := newGinContext(http.MethodPost, "/annotations/annotation", payload)
	asViewer(c, "S1")

	h.Create(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "C", svc.createReq.ClassID)
	require.NotNil(t, svc.createReq.Range)
	assert.Equal(t, float64(4), svc.createReq.Range.EndOffset)

	var created dto.CreatedAnnotation
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	assert.Equal(t, "t1", created.ThreadID)
}

func TestAnnotationHandlerCreateRejectsMalformedBody(t *testing.T) {
	h := NewAnnotationHandler(&annotationServiceMock{})
	c, w := newGinContext(http.MethodPost, "/annotations/annotation", []byte("{"))
	asViewer(c, "S1")

	h.Create(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, decode(t, w).Error.Code)
}

func TestAnnotationHandlerToggles(t *testing.T) {
	svc := &annotationServiceMock{}
	h := NewAnnotationHandler(svc)

	cases := []struct {
		kind    string
		body    string
		handler gin.HandlerFunc
	}{
		{"star", `{"star":true}`, h.Star},
		{"bookmark", `{"bookmark":true}`, h.Bookmark},
		{"replyRequest", `{"replyRequest":true}`, h.ReplyRequest},
	}
	for _, tc := range cases {
		c, w := newGinContext(http.MethodPost, "/annotations/"+tc.kind+"/a1", []byte(tc.body))
		c.Params = gin.Params{{Key: "id", Value: "a1"}}
		asViewer(c, "S2")

		tc.handler(c)
		c.Writer.WriteHeaderNow()
		assert.Equal(t, http.StatusNoContent, w.Code, tc.kind)
		assert.Equal(t, tc.kind, svc.toggleKind)
		assert.Equal(t, "a1", svc.toggledID)
		assert.True(t, svc.toggledVal, tc.kind)
		assert.Equal(t, "S2", svc.viewer)
	}

	c, w := newGinContext(http.MethodPost, "/annotations/seen/a1", nil)
	c.Params = gin.Params{{Key: "id", Value: "a1"}}
	asViewer(c, "S2")
	h.Seen(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "seen", svc.toggleKind)
	assert.Equal(t, "a1", svc.toggledID)
}

func TestAnnotationHandlerMapsServiceErrors(t *testing.T) {
	h := NewAnnotationHandler(&annotationServiceMock{err: appErrors.Clone(appErrors.ErrNotFound, "annotation not found")})

	c, w := newGinContext(http.MethodDelete, "/annotations/annotation/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	asViewer(c, "S1")
	h.Delete(c)
	assert.Equal(t, http.StatusNotFound, w.Code)

	c, w = newGinContext(http.MethodGet, "/annotations/reply/missing", nil)
	c.Params = gin.Params{{Key: "id", Value: "missing"}}
	asViewer(c, "S1")
	h.Replies(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type rosterServiceMock struct {
	section string
	classID string
}

func (m *rosterServiceMock) MyClasses(context.Context, string, string) ([]models.Class, error) {
	return []models.Class{{ID: "C", Name: "Physics"}}, nil
}

func (m *rosterServiceMock) MyCurrentSection(_ context.Context, classID, _ string) (string, error) {
	m.classID = classID
	return m.section, nil
}

func (m *rosterServiceMock) ClassUsers(context.Context, dto.ClassUsersQuery, string) (map[string]dto.ClassUser, error) {
	return map[string]dto.ClassUser{"I": {ID: "I", Role: models.MemberInstructor}}, nil
}

func (m *rosterServiceMock) TagTypes(context.Context, dto.TagTypesQuery) ([]models.TagType, error) {
	return []models.TagType{{ID: "tag-q", Value: "question"}}, nil
}

func TestRosterHandlerMyCurrentSection(t *testing.T) {
	svc := &rosterServiceMock{section: "sec-a"}
	h := NewRosterHandler(svc)

	c, w := newGinContext(http.MethodGet, "/annotations/myCurrentSection", nil)
	asViewer(c, "S1")
	h.MyCurrentSection(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newGinContext(http.MethodGet, "/annotations/myCurrentSection?class=C", nil)
	asViewer(c, "S1")
	h.MyCurrentSection(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "C", svc.classID)
	assert.JSONEq(t, `{"sectionId":"sec-a"}`, string(decode(t, w).Data))
}

func TestRosterHandlerDirectoryReads(t *testing.T) {
	h := NewRosterHandler(&rosterServiceMock{})

	c, w := newGinContext(http.MethodGet, "/annotations/allUsers?url=u&class=C", nil)
	asViewer(c, "I")
	h.AllUsers(c)
	require.Equal(t, http.StatusOK, w.Code)
	var users map[string]dto.ClassUser
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &users))
	assert.Equal(t, models.MemberInstructor, users["I"].Role)

	c, w = newGinContext(http.MethodGet, "/annotations/myClasses?url=u", nil)
	asViewer(c, "I")
	h.MyClasses(c)
	require.Equal(t, http.StatusOK, w.Code)

	c, w = newGinContext(http.MethodGet, "/annotations/allTagTypes?url=u", nil)
	h.AllTagTypes(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type exportServiceMock struct {
	result   *service.ExportResult
	download *service.ExportDownload
	err      error
	query    dto.ExportQuery
}

func (m *exportServiceMock) ExportThreads(_ context.Context, q dto.ExportQuery, _ string) (*service.ExportResult, error) {
	m.query = q
	return m.result, m.err
}

func (m *exportServiceMock) Open(string, string) (*service.ExportDownload, error) {
	return m.download, m.err
}

func TestExportHandlerExport(t *testing.T) {
	svc := &exportServiceMock{result: &service.ExportResult{Name: "C/doc.csv", Format: "csv", URL: "/api/annotations/export/download?token=x"}}
	h := NewExportHandler(svc)

	c, w := newGinContext(http.MethodGet, "/annotations/export?url=u&class=C&format=PDF", nil)
	asViewer(c, "I")
	h.Export(c)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pdf", svc.query.Format)

	svc.err = appErrors.Clone(appErrors.ErrForbidden, "only instructors can export discussions")
	c, w = newGinContext(http.MethodGet, "/annotations/export?url=u&class=C", nil)
	asViewer(c, "S1")
	h.Export(c)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExportHandlerDownload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.csv")
	require.NoError(t, os.WriteFile(path, []byte("Thread,Annotation\n"), 0o600))
	file, err := os.Open(path)
	require.NoError(t, err)

	h := NewExportHandler(&exportServiceMock{download: &service.ExportDownload{File: file, Filename: "doc.csv", MimeType: "text/csv", Size: 18}})

	c, w := newGinContext(http.MethodGet, "/annotations/export/download", nil)
	asViewer(c, "I")
	h.Download(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newGinContext(http.MethodGet, "/annotations/export/download?token=abc", nil)
	asViewer(c, "I")
	h.Download(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename="doc.csv"`)
	assert.Equal(t, "Thread,Annotation\n", w.Body.String())
}

func TestMetricsHandlerReady(t *testing.T) {
	healthy := NewMetricsHandler(nil, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
	})
	c, w := newGinContext(http.MethodGet, "/ready", nil)
	healthy.Ready(c)
	assert.Equal(t, http.StatusOK, w.Code)

	degraded := NewMetricsHandler(nil, map[string]Pinger{
		"postgres": PingFunc(func(context.Context) error { return nil }),
		"redis":    PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	c, w = newGinContext(http.MethodGet, "/ready", nil)
	degraded.Ready(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")

	c, w = newGinContext(http.MethodGet, "/metrics", nil)
	degraded.Prometheus(c)
	c.Writer.WriteHeaderNow()
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
