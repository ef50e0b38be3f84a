package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/docforge/api/internal/assembler"
	"github.com/docforge/api/internal/auth"
	"github.com/docforge/api/internal/client"
	"github.com/docforge/api/internal/dispatch"
	"github.com/docforge/api/internal/generation"
	"github.com/docforge/api/internal/middleware"
	"github.com/docforge/api/internal/model"
	"github.com/docforge/api/internal/repository"
	"github.com/docforge/api/internal/service"
	ws "github.com/docforge/api/internal/websocket"
	"github.com/docforge/api/internal/worker"
)

const (
	testJWTSecret     = "test-secret"
	testWebhookSecret = "hook-secret"
	templatePath      = "templates/offer.docx"
)

type nullQueue struct{}

func (nullQueue) Enqueue(context.Context, string) error { return nil }

type testApp struct {
	app     *fiber.App
	jobs    repository.JobRepository
	storage *client.MemoryStorage
}

type setupOptions struct {
	// runJobs wires a local queue that runs jobs; otherwise jobs stay pending
	runJobs     bool
	gateway     bool
	jobsPerHour int
}

func setupApp(t *testing.T, opts setupOptions) *testApp {
	t.Helper()
	ctx := context.Background()

	db, err := repository.Open(ctx, repository.Config{Driver: repository.DriverSQLite, DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	jobs := repository.NewSQLJobRepository(db)
	content := repository.NewSQLContentStore(db)
	storage := client.NewMemoryStorage()

	template, err := assembler.BuildDocx("Dear [ROW:name],\n[AI:intro]")
	require.NoError(t, err)
	require.NoError(t, storage.Put(ctx, templatePath, template, assembler.ContentTypeDocx))

	hub := ws.NewHub(nil)

	var queue dispatch.Queue = nullQueue{}
	if opts.runJobs {
		exec := generation.NewExecutor(&generation.MockGenerator{}, content, generation.DefaultOptions(), nil)
		jobWorker := worker.NewJobWorker(jobs, content, storage, exec, nil, hub, worker.DefaultOptions(), nil)
		local := dispatch.NewLocalQueue(dispatch.NewRunner(jobs, jobWorker, nil), nil, dispatch.WithWorkers(2))
		t.Cleanup(func() { local.Shutdown(context.Background()) })
		queue = local
	}
	trigger := dispatch.NewTrigger(queue, nil)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	jobsPerHour := opts.jobsPerHour
	if jobsPerHour == 0 {
		jobsPerHour = 10000
	}

	app := New(Deps{
		Jobs:          service.NewJobService(jobs, storage, trigger, time.Hour, nil),
		Uploads:       service.NewUploadService(storage),
		Trigger:       trigger,
		Hub:           hub,
		Auth:          middleware.NewAuthMiddleware(nil, testJWTSecret),
		RateLimiter:   middleware.NewRateLimiter(rdb, nil),
		WebhookSecret: testWebhookSecret,
		Gateway:       opts.gateway,
		JobsPerHour:   jobsPerHour,
	})
	return &testApp{app: app, jobs: jobs, storage: storage}
}

func token(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, "user-1", "user@example.com", time.Hour)
	require.NoError(t, err)
	return signed
}

func (ta *testApp) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func (ta *testApp) authed(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	return ta.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + token(t)})
}

func createBody(generationID string) string {
	return `{
		"generationId": "` + generationID + `",
		"templatePath": "` + templatePath + `",
		"rowData": {"name": "Ada"},
		"instructions": [{"id": "intro", "prompt": "Write an opening line"}]
	}`
}

func TestHealth(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, body := ta.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestCreateJob_RequiresAuth(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, body := ta.do(t, http.MethodPost, "/api/jobs", createBody("gen-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", body["error"].(map[string]interface{})["code"])

	resp, _ = ta.do(t, http.MethodPost, "/api/jobs", createBody("gen-1"), map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateJob_RunsToCompletion(t *testing.T) {
	ta := setupApp(t, setupOptions{runJobs: true})

	resp, body := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)
	assert.Equal(t, "pending", body["status"])

	require.Eventually(t, func() bool {
		job, err := ta.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == model.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	_, status := ta.authed(t, http.MethodGet, "/api/jobs/"+jobID, "")
	assert.Equal(t, 1.0, status["progress"])
	assert.Nil(t, status["error"])

	resp, result := ta.authed(t, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(result["downloadUrl"].(string), "memory://outputs/gen-1/"))

	doc, err := ta.storage.Get(context.Background(), result["artifactPath"].(string))
	require.NoError(t, err)
	text, err := assembler.ExtractText(doc)
	require.NoError(t, err)
	assert.Equal(t, "Dear Ada,\nGenerated text for: Write an opening line", text)
}

func TestCreateJob_Validation(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, body := ta.authed(t, http.MethodPost, "/api/jobs", `{"generationId":"gen-1","templatePath":"t.docx","rowData":{"a":"b"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["error"].(map[string]interface{})["code"])

	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	dup := `{"generationId":"gen-1","templatePath":"t.docx","rowData":{"a":"b"},
		"instructions":[{"id":"x","prompt":"one"},{"id":"x","prompt":"two"}]}`
	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs", dup)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJob_OneActiveJobPerGeneration(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, _ := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["error"].(map[string]interface{})["code"])
}

func TestCreateJob_RowFromSpreadsheet(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"name", "city"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Ada", "London"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"Grace", "Arlington"}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, ta.storage.Put(context.Background(), "sheets/people.xlsx", buf.Bytes(), "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"))

	body := `{"generationId":"gen-2","templatePath":"` + templatePath + `","spreadsheetPath":"sheets/people.xlsx","rowIndex":2,
		"instructions":[{"id":"intro","prompt":"hi"}]}`
	resp, created := ta.authed(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	job, err := ta.jobs.Get(context.Background(), created["jobId"].(string))
	require.NoError(t, err)
	assert.Equal(t, model.RowData{"name": "Grace", "city": "Arlington"}, job.Config.RowData)

	missing := `{"generationId":"gen-3","templatePath":"` + templatePath + `","spreadsheetPath":"sheets/none.xlsx",
		"instructions":[{"id":"intro","prompt":"hi"}]}`
	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs", missing)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobEndpoints_NotFoundAndNotCompleted(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, _ := ta.authed(t, http.MethodGet, "/api/jobs/unknown", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, created := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	jobID := created["jobId"].(string)

	resp, _ = ta.authed(t, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	_, created := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	jobID := created["jobId"].(string)

	resp, body := ta.authed(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the generation is free again
	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestFailedJobReportsRetryable(t *testing.T) {
	ta := setupApp(t, setupOptions{})
	ctx := context.Background()

	_, created := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	jobID := created["jobId"].(string)
	_, err := ta.jobs.Claim(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, ta.jobs.Fail(ctx, jobID, model.FailureMessage(&model.CorruptTemplateError{Reason: "bad"})))

	_, status := ta.authed(t, http.MethodGet, "/api/jobs/"+jobID, "")
	assert.Equal(t, "failed", status["status"])
	assert.Equal(t, false, status["retryable"])
	assert.True(t, strings.HasPrefix(status["error"].(string), "[CORRUPT_TEMPLATE]"))
}

func TestFailedGenerationRetryableDependsOnCause(t *testing.T) {
	ta := setupApp(t, setupOptions{})
	ctx := context.Background()

	cases := []struct {
		generationID string
		cause        error
		code         string
		retryable    bool
	}{
		{"gen-rejected", &model.PermanentError{StatusCode: 400, Err: errors.New("bad instruction")}, model.CodeGenerationRejected, false},
		{"gen-unavailable", &model.TransientError{StatusCode: 503, Err: errors.New("unavailable")}, model.CodeGenerationFailed, true},
	}
	for _, tc := range cases {
		_, created := ta.authed(t, http.MethodPost, "/api/jobs", createBody(tc.generationID))
		jobID := created["jobId"].(string)
		_, err := ta.jobs.Claim(ctx, jobID)
		require.NoError(t, err)
		failure := &model.GenerationFailedError{InstructionID: "p1", Cause: tc.cause}
		require.NoError(t, ta.jobs.Fail(ctx, jobID, model.FailureMessage(failure)))

		_, status := ta.authed(t, http.MethodGet, "/api/jobs/"+jobID, "")
		assert.Equal(t, tc.retryable, status["retryable"], tc.generationID)
		assert.True(t, strings.HasPrefix(status["error"].(string), "["+tc.code+"]"), status["error"])
	}
}

func TestWebhook(t *testing.T) {
	ta := setupApp(t, setupOptions{})
	event := `{"operation":"created","entityType":"job","record":{"id":"job-1","status":"pending"}}`

	resp, _ := ta.do(t, http.MethodPost, "/api/webhooks/jobs", event, map[string]string{"X-Webhook-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := ta.do(t, http.MethodPost, "/api/webhooks/jobs", event, map[string]string{"X-Webhook-Secret": testWebhookSecret})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["dispatched"])

	ignored := `{"operation":"created","entityType":"job","record":{"id":"job-1","status":"processing"}}`
	_, body = ta.do(t, http.MethodPost, "/api/webhooks/jobs", ignored, map[string]string{"X-Webhook-Secret": testWebhookSecret})
	assert.Equal(t, false, body["dispatched"])

	resp, _ = ta.do(t, http.MethodPost, "/api/webhooks/jobs", `{"record":{}}`, map[string]string{"X-Webhook-Secret": testWebhookSecret})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	ta := setupApp(t, setupOptions{jobsPerHour: 1})

	resp, _ := ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))

	resp, _ = ta.authed(t, http.MethodPost, "/api/jobs", createBody("gen-2"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestGatewayMode(t *testing.T) {
	ta := setupApp(t, setupOptions{gateway: true})

	resp, _ := ta.do(t, http.MethodGet, "/api/jobs/unknown", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ta.do(t, http.MethodGet, "/api/jobs/unknown", "", map[string]string{"X-User-Id": "user-1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthVerify(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, _ := ta.do(t, http.MethodGet, "/auth/verify", "", map[string]string{"Authorization": "Bearer " + token(t)})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "user-1", resp.Header.Get("X-User-Id"))
	assert.Equal(t, "user@example.com", resp.Header.Get("X-User-Email"))

	resp, _ = ta.do(t, http.MethodGet, "/auth/verify", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, _ := ta.do(t, http.MethodGet, "/ws/jobs/job-1", "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func upload(t *testing.T, ta *testApp, kind, filename string, data []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, "/api/uploads/"+kind, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token(t))

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestUpload_TemplateThenJob(t *testing.T) {
	ta := setupApp(t, setupOptions{runJobs: true})

	template, err := assembler.BuildDocx("Hello [ROW:name]")
	require.NoError(t, err)
	resp, uploaded := upload(t, ta, "template", "../My Offer.docx", template)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key := uploaded["key"].(string)
	assert.True(t, strings.HasPrefix(key, "templates/"))
	assert.True(t, strings.HasSuffix(key, "/My_Offer.docx"))

	body := `{"generationId":"gen-up","templatePath":"` + key + `","rowData":{"name":"Ada"},
		"instructions":[{"id":"unused","prompt":"hi"}]}`
	resp, created := ta.authed(t, http.MethodPost, "/api/jobs", body)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := created["jobId"].(string)

	require.Eventually(t, func() bool {
		job, err := ta.jobs.Get(context.Background(), jobID)
		return err == nil && job.Status == model.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUpload_Rejections(t *testing.T) {
	ta := setupApp(t, setupOptions{})

	resp, _ := upload(t, ta, "template", "t.docx", []byte("definitely not a word document, just some text"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload(t, ta, "spreadsheet", "s.xlsx", []byte("name,city\nAda,London"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = upload(t, ta, "binary", "x.bin", []byte("data"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, uploaded := upload(t, ta, "context", "notes.txt", []byte("Company history and tone of voice."))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", uploaded["contentType"])
}
