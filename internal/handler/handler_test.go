package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"lostfound/internal/testutil"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	return SetupRouter(db, rdb, testutil.Config())
}

func do(t *testing.T, r *gin.Engine, method, path, user string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
		req.Header.Set(HeaderUserName, user+"-name")
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func wallet(bounty int64) gin.H {
	return gin.H{
		"title":        "黑色钱包",
		"description":  "在食堂丢失",
		"location":     "一食堂",
		"secret_pairs": []gin.H{{"key": "颜色", "value": "黑色"}},
		"bounty":       bounty,
	}
}

func TestAuthRequired(t *testing.T) {
	r := newRouter(t)
	w, _ := do(t, r, http.MethodGet, "/api/v1/account/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r := newRouter(t)
	for _, path := range []string{"/health", "/metrics"} {
		w, _ := do(t, r, http.MethodGet, path, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, w.Code)
		}
	}
}

func TestOpenAccountAndBalance(t *testing.T) {
	r := newRouter(t)

	w, _ := do(t, r, http.MethodPost, "/api/v1/account/open", "alice", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("open status = %d", w.Code)
	}

	w, env := do(t, r, http.MethodGet, "/api/v1/account/me", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me status = %d", w.Code)
	}
	var me struct {
		Balance int64             `json:"balance"`
		History []json.RawMessage `json:"history"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.Balance != 100 || len(me.History) != 1 {
		t.Fatalf("unexpected account: %+v", me)
	}
}

func TestLostItemFlow(t *testing.T) {
	r := newRouter(t)
	do(t, r, http.MethodPost, "/api/v1/account/open", "alice", nil)

	w, env := do(t, r, http.MethodPost, "/api/v1/lost-items", "alice", wallet(30))
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", w.Code, w.Body.String())
	}
	var report struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ID == "" || report.Status != "Lost" {
		t.Fatalf("unexpected report: %+v", report)
	}

	w, env = do(t, r, http.MethodPost, "/api/v1/lost-items/"+report.ID+"/found", "bob",
		gin.H{"description": "餐桌上捡到", "location": "一食堂"})
	if w.Code != http.StatusCreated {
		t.Fatalf("claim status = %d body=%s", w.Code, w.Body.String())
	}
	var claimed struct {
		Status string `json:"status"`
		Claims []struct {
			ID string `json:"id"`
		} `json:"claims"`
	}
	if err := json.Unmarshal(env.Data, &claimed); err != nil {
		t.Fatalf("decode claim: %v", err)
	}
	if claimed.Status != "Verifying" || len(claimed.Claims) != 1 {
		t.Fatalf("unexpected claim response: %+v", claimed)
	}
	claimID := claimed.Claims[0].ID

	// 其他人看不到私密信息
	w, _ = do(t, r, http.MethodGet, "/api/v1/lost-items/"+report.ID, "bob", nil)
	if w.Code != http.StatusOK || bytes.Contains(w.Body.Bytes(), []byte("secret_pairs")) {
		t.Fatalf("public detail leaked secrets: %s", w.Body.String())
	}
	w, _ = do(t, r, http.MethodGet, "/api/v1/lost-items/"+report.ID, "alice", nil)
	if !bytes.Contains(w.Body.Bytes(), []byte("secret_pairs")) {
		t.Fatalf("reporter should see secrets: %s", w.Body.String())
	}

	w, _ = do(t, r, http.MethodGet, "/api/v1/lost-items/verifying", "alice", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(report.ID)) {
		t.Fatalf("verifying list: %d %s", w.Code, w.Body.String())
	}

	verify := gin.H{"claim_id": claimID, "accept": true}
	w, _ = do(t, r, http.MethodPatch, "/api/v1/lost-items/"+report.ID+"/verify", "bob", verify)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-reporter verify status = %d", w.Code)
	}
	w, _ = do(t, r, http.MethodPatch, "/api/v1/lost-items/"+report.ID+"/verify", "alice", verify)
	if w.Code != http.StatusOK {
		t.Fatalf("verify status = %d body=%s", w.Code, w.Body.String())
	}
	w, _ = do(t, r, http.MethodPatch, "/api/v1/lost-items/"+report.ID+"/verify", "alice", verify)
	if w.Code != http.StatusConflict {
		t.Fatalf("second verify status = %d", w.Code)
	}

	_, env = do(t, r, http.MethodGet, "/api/v1/account/me", "bob", nil)
	var bobAccount struct {
		Balance int64 `json:"balance"`
	}
	_ = json.Unmarshal(env.Data, &bobAccount)
	if bobAccount.Balance != 30 {
		t.Fatalf("bob balance = %d, want 30", bobAccount.Balance)
	}

	w, env = do(t, r, http.MethodGet, "/api/v1/lost-items?page=1&page_size=10", "carol", nil)
	if w.Code != http.StatusOK || bytes.Contains(env.Data, []byte("secret_pairs")) {
		t.Fatalf("feed: %d %s", w.Code, w.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	r := newRouter(t)
	do(t, r, http.MethodPost, "/api/v1/account/open", "alice", nil)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"insufficient funds", http.MethodPost, "/api/v1/lost-items", wallet(500), http.StatusBadRequest},
		{"bounty below minimum", http.MethodPost, "/api/v1/lost-items", wallet(1), http.StatusBadRequest},
		{"missing report", http.MethodGet, "/api/v1/lost-items/LST-missing", nil, http.StatusNotFound},
		{"claim on missing report", http.MethodPost, "/api/v1/lost-items/LST-missing/found", gin.H{"description": "d", "location": "l"}, http.StatusNotFound},
		{"verify without body", http.MethodPatch, "/api/v1/lost-items/LST-missing/verify", gin.H{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := do(t, r, tc.method, tc.path, "alice", tc.body)
			if w.Code != tc.want {
				t.Fatalf("status = %d, want %d body=%s", w.Code, tc.want, w.Body.String())
			}
		})
	}
}
