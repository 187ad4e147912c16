package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"taxon/api/internal/authority"
	"taxon/api/internal/store"
)

type httpFixture struct {
	t       *testing.T
	store   *fakeStore
	service *Service
	handler http.Handler
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := newFakeStore()
	svc := newTestService(f)
	return &httpFixture{
		t:       t,
		store:   f,
		service: svc,
		handler: NewHTTPServer(svc, "*").Handler(),
	}
}

func (fx *httpFixture) tokenFor(user store.User) string {
	fx.t.Helper()
	session, err := fx.service.CreateSession(context.Background(), user.ID)
	if err != nil {
		fx.t.Fatalf("CreateSession() error = %v", err)
	}
	return session.Token
}

func (fx *httpFixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	fx.t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	fx.handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("invalid JSON response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	fx := newHTTPFixture(t)
	recorder := fx.do(http.MethodGet, "/api/health", "", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", recorder.Code)
	}
}

func TestTagRoutesRequireSession(t *testing.T) {
	fx := newHTTPFixture(t)
	recorder := fx.do(http.MethodGet, "/api/tags/1", "", "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", recorder.Code)
	}
}

func TestInvalidTagIDIsRejected(t *testing.T) {
	fx := newHTTPFixture(t)
	member := fx.store.addUser(authority.RankMember)
	recorder := fx.do(http.MethodGet, "/api/tags/not-a-number", fx.tokenFor(member), "")
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", recorder.Code)
	}
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	fx := newHTTPFixture(t)
	member := fx.store.addUser(authority.RankMember)
	admin := fx.store.addUser(authority.RankTagAdmin)
	tag := fx.store.addTag("electronics", 1)
	memberToken := fx.tokenFor(member)
	adminToken := fx.tokenFor(admin)

	// Member submits a rename; it stays pending.
	recorder := fx.do(http.MethodPost, "/api/tags/2/requests/rename", memberToken, `{"newName":"gadgets"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("submit status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	submitted := decodeResponse(t, recorder)
	if submitted["status"] != "PENDING" {
		t.Fatalf("submit payload = %v", submitted)
	}
	requestID := int64(submitted["requestId"].(float64))

	// A member cannot accept it.
	recorder = fx.do(http.MethodPost, "/api/requests/1/accept", memberToken, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("member accept status = %d, want 403", recorder.Code)
	}

	// A tag admin can.
	recorder = fx.do(http.MethodPost, "/api/requests/1/accept", adminToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin accept status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if got := fx.store.tags[tag.ID].Name; got != "gadgets" {
		t.Errorf("tag name = %q, want gadgets", got)
	}

	// Accepting again conflicts.
	recorder = fx.do(http.MethodPost, "/api/requests/1/accept", adminToken, "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("second accept status = %d, want 409", recorder.Code)
	}

	// The card listing reflects the terminal state.
	recorder = fx.do(http.MethodGet, "/api/tags/2/requests", memberToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status = %d", recorder.Code)
	}
	listing := decodeResponse(t, recorder)
	cards := listing["requests"].([]any)
	if len(cards) != 1 {
		t.Fatalf("cards = %d, want 1", len(cards))
	}
	card := cards[0].(map[string]any)
	if card["status"] != "ACCEPTED" || int64(card["id"].(float64)) != requestID {
		t.Errorf("unexpected card %v", card)
	}
}

func TestCancelOverHTTP(t *testing.T) {
	fx := newHTTPFixture(t)
	member := fx.store.addUser(authority.RankMember)
	other := fx.store.addUser(authority.RankMember)
	fx.store.addTag("electronics", 1)
	memberToken := fx.tokenFor(member)

	recorder := fx.do(http.MethodPost, "/api/tags/2/requests/intro", memberToken, `{"newIntro":"better intro"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("submit status = %d", recorder.Code)
	}

	recorder = fx.do(http.MethodPost, "/api/requests/1/cancel", fx.tokenFor(other), "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel status = %d, want 403", recorder.Code)
	}

	recorder = fx.do(http.MethodPost, "/api/requests/1/cancel", memberToken, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", recorder.Code)
	}
	if got := fx.store.requests[1].Status; got != store.StatusCanceled {
		t.Errorf("request status = %s, want CANCELED", got)
	}
}

func TestCreateTagOverHTTP(t *testing.T) {
	fx := newHTTPFixture(t)
	member := fx.store.addUser(authority.RankMember)
	token := fx.tokenFor(member)

	recorder := fx.do(http.MethodPost, "/api/tags", token, `{"name":"robotics","parentId":1}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", recorder.Code, recorder.Body.String())
	}

	recorder = fx.do(http.MethodPost, "/api/tags", token, `{"name":"robotics","parentId":1}`)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "TAG_NAME_TAKEN" {
		t.Errorf("error code = %v", payload["code"])
	}
}

func TestTagViewAndTreeOverHTTP(t *testing.T) {
	fx := newHTTPFixture(t)
	member := fx.store.addUser(authority.RankMember)
	parent := fx.store.addTag("parent", 1)
	fx.store.addTag("child", parent.ID)
	token := fx.tokenFor(member)

	recorder := fx.do(http.MethodGet, "/api/tags/2", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("view status = %d", recorder.Code)
	}
	view := decodeResponse(t, recorder)
	if len(view["children"].([]any)) != 1 {
		t.Errorf("children = %v", view["children"])
	}

	recorder = fx.do(http.MethodGet, "/api/tags/2/tree", token, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("tree status = %d", recorder.Code)
	}
	tree := decodeResponse(t, recorder)["tree"].(map[string]any)
	if tree["name"] != "parent" {
		t.Errorf("tree root = %v", tree["name"])
	}

	recorder = fx.do(http.MethodGet, "/api/tags/999", token, "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("missing tag status = %d, want 404", recorder.Code)
	}
}

func TestAnonymousFeedbackOverHTTP(t *testing.T) {
	fx := newHTTPFixture(t)

	recorder := fx.do(http.MethodPost, "/api/feedback", "", `{"content":"found a broken tag"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("feedback status = %d, body %s", recorder.Code, recorder.Body.String())
	}
	if len(fx.store.feedback) != 1 {
		t.Fatalf("feedback rows = %d, want 1", len(fx.store.feedback))
	}
	if fx.store.feedback[0].IP == "" {
		t.Error("submitter ip must be recorded")
	}

	member := fx.store.addUser(authority.RankMember)
	recorder = fx.do(http.MethodGet, "/api/feedback", fx.tokenFor(member), "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("member feedback listing status = %d, want 403", recorder.Code)
	}
}
