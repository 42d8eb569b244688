package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/anotherjesse/acb/internal/state"
)

func seededServer(t *testing.T) *Server {
	t.Helper()
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))

	st := state.NewState()
	st.Projects["rc"] = &state.Project{
		DisplayName: "Rocket Control",
		LobbyRoomID: "!lobby1",
	}
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	st.Tasks["rc-20250314090000-abc123"] = &state.Task{
		ID:            "rc-20250314090000-abc123",
		ProjectKey:    "rc",
		LobbyRoomID:   "!lobby1",
		LobbyEventID:  "$e1",
		Status:        state.StatusActive,
		TaskRoomID:    "!task1",
		SandboxName:   "task-x",
		InitialPrompt: "do work",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.Save(st); err != nil {
		t.Fatal(err)
	}
	return New(store)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, seededServer(t), "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListTasks(t *testing.T) {
	rec := get(t, seededServer(t), "/api/tasks")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tasks []state.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "rc-20250314090000-abc123" {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestGetTask(t *testing.T) {
	s := seededServer(t)

	rec := get(t, s, "/api/tasks/rc-20250314090000-abc123")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var task state.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}
	if task.Status != state.StatusActive {
		t.Fatalf("status = %q", task.Status)
	}

	if rec := get(t, s, "/api/tasks/unknown"); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown task status = %d", rec.Code)
	}
}

func TestListProjects(t *testing.T) {
	rec := get(t, seededServer(t), "/api/projects")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var projects []struct {
		Key         string `json:"key"`
		DisplayName string `json:"displayName"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &projects); err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 || projects[0].Key != "rc" || projects[0].DisplayName != "Rocket Control" {
		t.Fatalf("projects = %+v", projects)
	}
}

func TestServesLatestSnapshot(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"))
	if err := store.Save(state.NewState()); err != nil {
		t.Fatal(err)
	}
	s := New(store)

	if rec := get(t, s, "/api/tasks"); rec.Body.String() == "" || rec.Code != http.StatusOK {
		t.Fatalf("empty snapshot: %d %q", rec.Code, rec.Body.String())
	}

	// A new snapshot on disk is visible without restarting the server.
	st := store.Load()
	st.Tasks["t1"] = &state.Task{
		ID: "t1", ProjectKey: "rc", LobbyRoomID: "!l", LobbyEventID: "$e",
		Status: state.StatusWaiting, InitialPrompt: "p",
	}
	if err := store.Save(st); err != nil {
		t.Fatal(err)
	}

	var tasks []state.Task
	rec := get(t, s, "/api/tasks")
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
}
