package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckoons/argo/internal/argoerr"
	"github.com/ckoons/argo/internal/registry"
)

type fakeSupervisor struct {
	spawnPID   int
	spawnErr   error
	pauseErr   error
	resumeErr  error
	abandonErr error
}

func (f *fakeSupervisor) Spawn(string) (int, error) { return f.spawnPID, f.spawnErr }
func (f *fakeSupervisor) Pause(string) error        { return f.pauseErr }
func (f *fakeSupervisor) Resume(string) error       { return f.resumeErr }
func (f *fakeSupervisor) Abandon(string) error      { return f.abandonErr }

type fakeResolver struct {
	paths map[string]string
}

func (f *fakeResolver) Resolve(template string) (string, error) {
	path, ok := f.paths[template]
	if !ok {
		return "", argoerr.New(argoerr.NotFound, "no such template: "+template)
	}
	return path, nil
}

func newTestHandler(t *testing.T, sup Supervisor, resolver *fakeResolver) *Handler {
	t.Helper()
	reg := registry.New()
	if resolver == nil {
		resolver = &fakeResolver{paths: map[string]string{}}
	}
	return NewHandler(Config{
		Registry: reg,
		Supervisor: sup,
		Resolver: resolver,
		LogDir:   t.TempDir(),
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthReportsWorkflowCount(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, float64(0), body["workflows"])
}

func TestStartRejectsMissingFields(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/workflow/start", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartUnknownTemplate(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, &fakeResolver{paths: map[string]string{}})
	req := httptest.NewRequest(http.MethodPost, "/api/workflow/start",
		bytes.NewBufferString(`{"template":"missing","instance":"i1"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSpawnsAndReturnsWorkflowID(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/scripts/deploy.sh"}}
	h := newTestHandler(t, &fakeSupervisor{spawnPID: 123}, resolver)

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/start",
		bytes.NewBufferString(`{"template":"deploy","instance":"i1"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "success", body["status"])
	require.Equal(t, "dev", body["environment"])
	require.Contains(t, body["workflow_id"], "deploy")
}

func TestStartRejectsDuplicateWorkflow(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/scripts/deploy.sh"}}
	h := newTestHandler(t, &fakeSupervisor{spawnPID: 1}, resolver)

	body := `{"template":"deploy","instance":"i1"}`
	req1 := httptest.NewRequest(http.MethodPost, "/api/workflow/start", bytes.NewBufferString(body))
	rec1 := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/api/workflow/start", bytes.NewBufferString(body))
	rec2 := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestStatusNotFoundForUnknownWorkflow(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/workflow/status?workflow_name=nope", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseReportsAlreadyPaused(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))
	require.NoError(t, h.reg.SetStatus("wf1", 1, nil))
	require.NoError(t, h.reg.UpdateState("wf1", registry.Running))
	require.NoError(t, h.reg.UpdateState("wf1", registry.Paused))

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/pause?workflow_name=wf1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "already_paused", body["status"])
}

func TestPauseDelegatesToSupervisor(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))
	require.NoError(t, h.reg.SetStatus("wf1", 1, nil))
	require.NoError(t, h.reg.UpdateState("wf1", registry.Running))

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/pause?workflow_name=wf1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "paused", body["action"])
}

func TestAbandonPropagatesSupervisorFailureAsInternalError(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{abandonErr: argoerr.New(argoerr.SystemProcess, "kill failed")}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))

	req := httptest.NewRequest(http.MethodDelete, "/api/workflow/abandon?workflow_name=wf1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInputPostQueuesWhenNoStdin(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))
	require.NoError(t, h.reg.SetStatus("wf1", 1, nil))
	require.NoError(t, h.reg.UpdateState("wf1", registry.Running))

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/input?workflow_name=wf1",
		bytes.NewBufferString(`{"input":"hello\n"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["queued"])
}

func TestInputGetReturnsNoContentWhenEmpty(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/workflow/input?workflow_name=wf1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOutputReturnsNoContentWithNoLogFile(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/workflow/output?workflow_name=wf1", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOutputRejectsNonIntegerSince(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))

	req := httptest.NewRequest(http.MethodGet, "/api/workflow/output?workflow_name=wf1&since=notanumber", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProgressUpdatesRecord(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	require.NoError(t, h.reg.Add(registry.NewRecord("wf1", "/bin/true", nil, nil)))

	req := httptest.NewRequest(http.MethodPost, "/api/workflow/progress?workflow_name=wf1",
		bytes.NewBufferString(`{"current_step":2,"total_steps":5,"step_name":"build"}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	snaps := h.reg.List()
	require.Len(t, snaps, 1)
	require.Equal(t, 2, snaps[0].CurrentStep)
	require.Equal(t, "build", snaps[0].StepName)
}

func TestVersionReportsAPIVersion(t *testing.T) {
	h := newTestHandler(t, &fakeSupervisor{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, APIVersion, body["api_version"])
}
