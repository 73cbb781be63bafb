package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"patchcast/pkg/journal"
	"patchcast/pkg/session"
	"patchcast/pkg/stream"
	"patchcast/pkg/validation"
)

func newTestServer(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	if err := journal.Open(filepath.Join(t.TempDir(), "journal")); err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	validation.SetRules(validation.Rules{})

	hub := stream.NewHub([]string{"*"}, 64)
	mgr := session.NewManager(session.Options{
		Containers:    []string{"chat"},
		QueueCapacity: 64,
	}, hub)
	t.Cleanup(mgr.Close)
	return New(mgr, hub, nil), mgr
}

func postPatch(t *testing.T, h http.Handler, sessionID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+sessionID+"/patches", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func drainSession(t *testing.T, mgr *session.Manager, id string) {
	t.Helper()
	s, err := mgr.Get(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestSubmitPatchAccepted(t *testing.T) {
	srv, mgr := newTestServer(t)
	h := srv.Handler()

	rec := postPatch(t, h, "s1", `{"container":"chat","action":"add","body":{"author":"Alice","content":"<p>hi</p>"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response not json: %v", err)
	}
	if resp["id"] == "" || resp["status"] != "queued" {
		t.Fatalf("response = %v", resp)
	}
	drainSession(t, mgr, "s1")

	snap := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/containers/chat", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, snap)
	if rec2.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", rec2.Code)
	}
	var out struct {
		Items int    `json:"items"`
		HTML  string `json:"html"`
	}
	_ = json.Unmarshal(rec2.Body.Bytes(), &out)
	if out.Items != 1 || !strings.Contains(out.HTML, "hi") {
		t.Fatalf("snapshot = %+v", out)
	}
}

func TestSubmitPatchRejectsBadInput(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	if rec := postPatch(t, h, "s1", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json status = %d", rec.Code)
	}
	if rec := postPatch(t, h, "s1", `{"container":"chat","action":"warp"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown action status = %d", rec.Code)
	}

	validation.SetRules(validation.Rules{AllowedContainers: []string{"feed"}})
	t.Cleanup(func() { validation.SetRules(validation.Rules{}) })
	rec := postPatch(t, h, "s1", `{"container":"chat","action":"add","body":{"content":"<p>x</p>"}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("policy violation status = %d", rec.Code)
	}
}

func TestListPatchesReplaysJournal(t *testing.T) {
	srv, mgr := newTestServer(t)
	h := srv.Handler()

	for i := 0; i < 3; i++ {
		if rec := postPatch(t, h, "s1", `{"container":"chat","action":"add","body":{"content":"<p>m</p>"}}`); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d status = %d", i, rec.Code)
		}
	}
	drainSession(t, mgr, "s1")

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/patches?from=2&limit=1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Patches []struct {
			Seq uint64 `json:"seq"`
		} `json:"patches"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Patches) != 1 || out.Patches[0].Seq != 2 {
		t.Fatalf("patches = %+v", out.Patches)
	}
}

func TestSnapshotUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/ghost/snapshot", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCloseSession(t *testing.T) {
	srv, mgr := newTestServer(t)
	h := srv.Handler()
	if _, err := mgr.Create("s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if _, err := mgr.Get("s1"); err == nil {
		t.Fatal("session still present")
	}
}

func TestAdminStatsRequiresRole(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unauthenticated admin status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
	req.Header.Set("X-Role-Name", "admin")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestSignViewer(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/v1/_sign", strings.NewReader(`{"viewerId":"v-1"}`))
	req.Header.Set("X-Role-Name", "backend")
	req.Header.Set("X-API-Key", "bk-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var out map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &out)

	mac := hmac.New(sha256.New, []byte("bk-secret"))
	mac.Write([]byte("v-1"))
	if out["signature"] != hex.EncodeToString(mac.Sum(nil)) {
		t.Fatalf("signature mismatch: %v", out)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/_sign", strings.NewReader(`{"viewerId":"v-1"}`))
	req.Header.Set("X-Role-Name", "frontend")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("frontend sign status = %d", rec.Code)
	}
}

func TestStreamDeliversReplayThenLive(t *testing.T) {
	srv, mgr := newTestServer(t)
	h := srv.Handler()

	ts := httptest.NewServer(h)
	defer ts.Close()

	if rec := postPatch(t, h, "s1", `{"container":"chat","action":"add","body":{"content":"<p>old</p>"}}`); rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}
	drainSession(t, mgr, "s1")

	hdr := http.Header{"X-Role-Name": []string{"backend"}}
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/sessions/s1/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, replayed, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if !strings.Contains(string(replayed), "old") {
		t.Fatalf("replayed = %s", replayed)
	}

	if rec := postPatch(t, h, "s1", `{"container":"chat","action":"add","body":{"content":"<p>new</p>"}}`); rec.Code != http.StatusAccepted {
		t.Fatalf("live submit status = %d", rec.Code)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, live, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read live: %v", err)
	}
	var msg struct {
		Seq uint64 `json:"seq"`
	}
	_ = json.Unmarshal(live, &msg)
	if !strings.Contains(string(live), "new") || msg.Seq != 2 {
		t.Fatalf("live = %s", live)
	}
}
