package graph

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/tasksbyme/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	var buf bytes.Buffer
	return NewClient(server.URL, server.Client(), newTestLogger(&buf)), server
}

func TestNewClient_Defaults(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient("", nil, newTestLogger(&buf))
	if c.baseURL != DefaultBaseURL {
		t.Errorf("baseURL = %q, want %q", c.baseURL, DefaultBaseURL)
	}
	if c.httpClient != http.DefaultClient {
		t.Error("httpClient が nil の場合は http.DefaultClient を使うべき")
	}
}

func TestClient_GetMe_SendsBearerToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			t.Errorf("path = %s, want /me", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer token-abc" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer token-abc")
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"u1","displayName":"Alice","userPrincipalName":"alice@example.com"}`)
	})

	profile, err := c.GetMe(context.Background(), "token-abc")
	if err != nil {
		t.Fatalf("GetMe がエラーを返した: %v", err)
	}
	if profile.ID != "u1" || profile.DisplayName != "Alice" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestClient_GetMe_EmptyIDIsUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"displayName":"nobody"}`)
	})

	_, err := c.GetMe(context.Background(), "token")
	if !errors.Is(err, model.ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
}

func TestClient_ErrorStatusIsUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":"Forbidden","message":"Access denied"}}`)
	})

	_, err := c.ListPlans(context.Background(), "token")
	var ue *model.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("error = %v, want *model.UpstreamError", err)
	}
	if ue.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", ue.StatusCode)
	}
	if ue.Op != "list plans" {
		t.Errorf("Op = %q, want %q", ue.Op, "list plans")
	}
	if got := ue.Err.Error(); got != "Forbidden: Access denied" {
		t.Errorf("message = %q", got)
	}
}

func TestClient_InvalidJSONIsUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{not json`)
	})

	_, err := c.ListPlanTasks(context.Background(), "token", "p1")
	if !errors.Is(err, model.ErrUpstream) {
		t.Errorf("error = %v, want ErrUpstream", err)
	}
}

func TestClient_ListPlanTasks_FollowsNextLink(t *testing.T) {
	var serverURL string
	c, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "":
			if r.URL.Path != "/planner/plans/p1/tasks" {
				t.Errorf("path = %s", r.URL.Path)
			}
			fmt.Fprintf(w, `{"value":[{"id":"t1","title":"one"}],"@odata.nextLink":"%s/planner/plans/p1/tasks?page=2"}`, serverURL)
		case "2":
			fmt.Fprint(w, `{"value":[{"id":"t2","title":"two"}]}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	})
	serverURL = server.URL

	tasks, err := c.ListPlanTasks(context.Background(), "token", "p1")
	if err != nil {
		t.Fatalf("ListPlanTasks がエラーを返した: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t1" || tasks[1].ID != "t2" {
		t.Errorf("tasks = %+v, want t1, t2", tasks)
	}
}

func TestClient_ListPlans_EmptyCollectionIsNonNil(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[]}`)
	})

	plans, err := c.ListPlans(context.Background(), "token")
	if err != nil {
		t.Fatalf("ListPlans がエラーを返した: %v", err)
	}
	if plans == nil || len(plans) != 0 {
		t.Errorf("plans = %#v, want empty non-nil slice", plans)
	}
}

func TestClient_GetUser_EscapesID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/users/a%2Fb" {
			t.Errorf("escaped path = %s, want /users/a%%2Fb", r.URL.EscapedPath())
		}
		fmt.Fprint(w, `{"id":"a/b","displayName":"Bob"}`)
	})

	profile, err := c.GetUser(context.Background(), "token", "a/b")
	if err != nil {
		t.Fatalf("GetUser がエラーを返した: %v", err)
	}
	if profile.DisplayName != "Bob" {
		t.Errorf("DisplayName = %q, want Bob", profile.DisplayName)
	}
}
