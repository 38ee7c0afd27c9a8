package model

import (
	"errors"
	"testing"
)

func TestTokenRefreshError_IsAndUnwrap(t *testing.T) {
	cause := errors.New("invalid_grant: AADSTS70008")
	var err error = &TokenRefreshError{AccountID: "oid.tid", Err: cause}

	if !errors.Is(err, ErrTokenRefreshFailed) {
		t.Error("TokenRefreshError は ErrTokenRefreshFailed と判定されるべき")
	}
	if !errors.Is(err, cause) {
		t.Error("TokenRefreshError は元のエラーをラップするべき")
	}
	if errors.Is(err, ErrUpstream) {
		t.Error("TokenRefreshError は ErrUpstream と判定されてはならない")
	}
}

func TestUpstreamError_Message(t *testing.T) {
	err := &UpstreamError{Op: "list plans", StatusCode: 503, Err: errors.New("service unavailable")}
	want := "list plans: upstream returned status 503: service unavailable"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrUpstream) {
		t.Error("UpstreamError は ErrUpstream と判定されるべき")
	}

	noStatus := &UpstreamError{Op: "get me", Err: errors.New("dial tcp: timeout")}
	if noStatus.Error() != "get me: dial tcp: timeout" {
		t.Errorf("Error() = %q", noStatus.Error())
	}
}

func TestPersistenceError_As(t *testing.T) {
	var err error = &PersistenceError{UserID: "u1", Path: "/data/user_u1.json", Err: errors.New("disk full")}

	var pe *PersistenceError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As で PersistenceError を取り出せるべき")
	}
	if pe.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", pe.UserID)
	}
	if !errors.Is(err, ErrPersistence) {
		t.Error("PersistenceError は ErrPersistence と判定されるべき")
	}
}

func TestTask_Status(t *testing.T) {
	tests := []struct {
		percent int
		want    TaskStatus
	}{
		{0, TaskStatusNotStarted},
		{1, TaskStatusInProgress},
		{50, TaskStatusInProgress},
		{99, TaskStatusInProgress},
		{100, TaskStatusCompleted},
	}
	for _, tt := range tests {
		task := Task{PercentComplete: tt.percent}
		if got := task.Status(); got != tt.want {
			t.Errorf("Status() with %d%% = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestTask_CreatorID(t *testing.T) {
	task := Task{CreatedBy: &IdentitySet{User: &Identity{ID: "user-1"}}}
	if task.CreatorID() != "user-1" {
		t.Errorf("CreatorID() = %q, want user-1", task.CreatorID())
	}

	anonymous := Task{CreatedBy: &IdentitySet{Application: &Identity{ID: "app"}}}
	if anonymous.CreatorID() != "" {
		t.Errorf("CreatorID() = %q, want empty", anonymous.CreatorID())
	}
}
