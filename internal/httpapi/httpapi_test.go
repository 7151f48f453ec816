package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aureuma/botctl/core/artifacts"
	"github.com/aureuma/botctl/core/lifecycle"
	"github.com/aureuma/botctl/core/logbroker"
	"github.com/aureuma/botctl/core/registry"
	"github.com/aureuma/botctl/core/sandbox"
	myaudit "github.com/aureuma/botctl/internal/audit"
	"github.com/aureuma/botctl/internal/authshim"
	"github.com/aureuma/botctl/internal/ratelimit"
	"github.com/aureuma/botctl/internal/store"
)

type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	bots   map[int64]store.Bot
	plans  map[int64]store.Plan
	audits []store.AuditLog
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:  make(map[int64]store.Bot),
		plans: map[int64]store.Plan{1: {ID: 1, Name: "Free", MaxBots: 3, CPUShare: "0.5", MemoryLimit: "256m"}},
	}
}

func (f *fakeStore) GetBot(_ context.Context, id int64) (store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return store.Bot{}, sql.ErrNoRows
	}
	return b, nil
}
func (f *fakeStore) ListBotsByOwner(_ context.Context, ownerID int64) ([]store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bot
	for _, b := range f.bots {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	return out, nil
}
func (f *fakeStore) CountLiveBots(_ context.Context, ownerID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.bots {
		if b.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}
func (f *fakeStore) BotNameTaken(_ context.Context, ownerID int64, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.bots {
		if b.OwnerID == ownerID && b.Name == name {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStore) GetPlan(_ context.Context, id int64) (store.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return p, nil
}
func (f *fakeStore) InsertBot(_ context.Context, ownerID, planID int64, name, runtime, startCmd string) (store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	b := store.Bot{ID: f.nextID, OwnerID: ownerID, PlanID: planID, Name: name, Runtime: runtime, StartCmd: startCmd, State: "CREATED"}
	f.bots[b.ID] = b
	return b, nil
}

type fakeBotTx struct {
	f     *fakeStore
	botID int64
}

func (t fakeBotTx) SetState(_ context.Context, state string, handle sql.NullString) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	b := t.f.bots[t.botID]
	b.State = state
	b.SandboxHandle = handle
	t.f.bots[t.botID] = b
	return nil
}
func (t fakeBotTx) SetSourceType(_ context.Context, sourceType string) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	b := t.f.bots[t.botID]
	b.SourceType = sourceType
	t.f.bots[t.botID] = b
	return nil
}
func (t fakeBotTx) Delete(_ context.Context) error {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	delete(t.f.bots, t.botID)
	return nil
}

func (f *fakeStore) WithBotLock(_ context.Context, botID int64, fn func(store.BotTx, store.Bot) error) error {
	f.mu.Lock()
	bot, ok := f.bots[botID]
	f.mu.Unlock()
	if !ok {
		return store.ErrBotNotFound
	}
	return fn(fakeBotTx{f: f, botID: botID}, bot)
}
func (f *fakeStore) SetBotStateDirect(_ context.Context, botID int64, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return sql.ErrNoRows
	}
	b.State = state
	f.bots[botID] = b
	return nil
}
func (f *fakeStore) WriteAudit(_ context.Context, entry store.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, entry)
	return nil
}
func (f *fakeStore) IsUserSuspended(_ context.Context, userID int64) (bool, error) {
	return false, nil
}
func (f *fakeStore) ListAudit(_ context.Context, limit int) ([]store.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audits, nil
}

func newTestServer(t *testing.T) (*Server, *authshim.Service) {
	t.Helper()
	fs := newFakeStore()
	driver := sandbox.NewFakeDriver()
	mgr := lifecycle.New(registry.New(), artifacts.New(t.TempDir()), driver, fs, nil)
	auth, err := authshim.New("test-secret", time.Hour, "HS256")
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	broker := logbroker.New(mgr, driver, auth, nil)
	limiter := ratelimit.New(time.Minute, 1000)
	srv := New(mgr, broker, auth, fs, authshim.NewHandlers(auth, nil), myaudit.NewHandler(fs), limiter, nil)
	return srv, auth
}

func authedRequest(t *testing.T, auth *authshim.Service, userID int64, method, path string, body []byte) *http.Request {
	t.Helper()
	token, err := auth.IssueToken(userID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateAndListViaHTTP(t *testing.T) {
	srv, auth := newTestServer(t)
	router := srv.Router()

	body, _ := json.Marshal(botCreateRequest{Name: "echo", Runtime: "python"})
	req := authedRequest(t, auth, 1, http.MethodPost, "/bots", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := authedRequest(t, auth, 1, http.MethodGet, "/bots", nil)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", listRec.Code)
	}

	var resp botListResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Total != 1 || resp.Bots[0].Name != "echo" {
		t.Fatalf("unexpected list response: %+v", resp)
	}
}

func TestCreateRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	body, _ := json.Marshal(botCreateRequest{Name: "echo", Runtime: "python"})
	req := httptest.NewRequest(http.MethodPost, "/bots", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUploadThenStartViaHTTP(t *testing.T) {
	srv, auth := newTestServer(t)
	router := srv.Router()

	createBody, _ := json.Marshal(botCreateRequest{Name: "worker", Runtime: "python"})
	createReq := authedRequest(t, auth, 1, http.MethodPost, "/bots", createBody)
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	var created botView
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "main.py")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte("print('hi')"))
	mw.Close()

	uploadReq := authedRequest(t, auth, 1, http.MethodPost, "/bots/"+itoa(created.ID)+"/upload", buf.Bytes())
	uploadReq.Header.Set("Content-Type", mw.FormDataContentType())
	uploadRec := httptest.NewRecorder()
	router.ServeHTTP(uploadRec, uploadReq)
	if uploadRec.Code != http.StatusOK {
		t.Fatalf("expected 200 upload, got %d: %s", uploadRec.Code, uploadRec.Body.String())
	}

	startReq := authedRequest(t, auth, 1, http.MethodPost, "/bots/"+itoa(created.ID)+"/start", nil)
	startRec := httptest.NewRecorder()
	router.ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusOK {
		t.Fatalf("expected 200 start, got %d: %s", startRec.Code, startRec.Body.String())
	}
	var started botView
	if err := json.Unmarshal(startRec.Body.Bytes(), &started); err != nil {
		t.Fatalf("unmarshal start: %v", err)
	}
	if started.Status != "RUNNING" {
		t.Fatalf("expected RUNNING, got %s", started.Status)
	}
}

func TestCrossTenantDeleteReturns403ViaHTTP(t *testing.T) {
	srv, auth := newTestServer(t)
	router := srv.Router()

	createBody, _ := json.Marshal(botCreateRequest{Name: "theirs", Runtime: "python"})
	createReq := authedRequest(t, auth, 1, http.MethodPost, "/bots", createBody)
	createRec := httptest.NewRecorder()
	router.ServeHTTP(createRec, createReq)
	var created botView
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal create: %v", err)
	}

	delReq := authedRequest(t, auth, 2, http.MethodDelete, "/bots/"+itoa(created.ID), nil)
	delRec := httptest.NewRecorder()
	router.ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", delRec.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
