// Package state persists the orchestrator's view of the world: the
// workspace space, per-project chat and sandbox resources, task records, and
// the processed-event index. The snapshot is a single JSON document written
// atomically so a crash leaves either the old file or the new one, never a
// torn write.
package state

import (
	"strings"
	"time"
)

// Version is the current snapshot schema version.
const Version = 1

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusWaiting    TaskStatus = "waiting"
	StatusActive     TaskStatus = "active"
	StatusNeedsInput TaskStatus = "needs_input"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusWaiting, StatusActive, StatusNeedsInput, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Workspace is the singleton record for the top-level chat space.
type Workspace struct {
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	SpaceID   string    `json:"spaceId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SparkShape describes the sandbox resources a project owns.
type SparkShape struct {
	Project       string `json:"project"`
	Base          string `json:"base"`
	MainSandbox   string `json:"mainSandbox"`
	WorkVolume    string `json:"workVolume"`
	WorkMountPath string `json:"workMountPath"`
}

// Project is the persisted record for one declared project.
type Project struct {
	DisplayName    string     `json:"displayName"`
	ProjectSpaceID string     `json:"projectSpaceId,omitempty"`
	LobbyRoomID    string     `json:"lobbyRoomId,omitempty"`
	LobbyRoomName  string     `json:"lobbyRoomName,omitempty"`
	Spark          SparkShape `json:"spark"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Bridge holds what we learned from launching the in-sandbox agent process.
type Bridge struct {
	PID       int    `json:"pid,omitempty"`
	ProcessID string `json:"processId,omitempty"`
	RawOutput string `json:"rawOutput,omitempty"`
}

// Task is one accepted lobby message and the resources spawned for it.
type Task struct {
	ID            string     `json:"id"`
	ProjectKey    string     `json:"projectKey"`
	LobbyRoomID   string     `json:"lobbyRoomId"`
	LobbyEventID  string     `json:"lobbyEventId"`
	TaskRoomID    string     `json:"taskRoomId,omitempty"`
	TaskRoomName  string     `json:"taskRoomName,omitempty"`
	SandboxProject string    `json:"sandboxProject,omitempty"`
	SandboxName   string     `json:"sandboxName,omitempty"`
	Status        TaskStatus `json:"status"`
	StatusReason  string     `json:"statusReason,omitempty"`
	Bridge        Bridge     `json:"bridge"`
	InitialPrompt string     `json:"initialPrompt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// State is the full persisted snapshot.
type State struct {
	Version    int                 `json:"version"`
	Workspace  Workspace           `json:"workspace"`
	Projects   map[string]*Project `json:"projects"`
	Tasks      map[string]*Task    `json:"tasks"`
	EventIndex map[string]string   `json:"eventIndex"`
}

// NewState returns an empty snapshot at the current schema version.
func NewState() *State {
	return &State{
		Version:    Version,
		Projects:   make(map[string]*Project),
		Tasks:      make(map[string]*Task),
		EventIndex: make(map[string]string),
	}
}

// EventKey builds the dedupe key for a chat event.
func EventKey(roomID, eventID string) string {
	return roomID + ":" + eventID
}

// HasProcessedEvent reports whether the event was already handled, in this
// run or any earlier one.
func (s *State) HasProcessedEvent(roomID, eventID string) bool {
	_, ok := s.EventIndex[EventKey(roomID, eventID)]
	return ok
}

// MarkEventProcessed records that the event is definitively handled. The
// value is the task ID, or a failure sentinel when spawning never got far
// enough to create a task.
func (s *State) MarkEventProcessed(roomID, eventID, taskID string) {
	s.EventIndex[EventKey(roomID, eventID)] = taskID
}

// Project returns the record for key, creating an empty one if absent.
func (s *State) Project(key string) *Project {
	if p, ok := s.Projects[key]; ok {
		return p
	}
	p := &Project{}
	s.Projects[key] = p
	return p
}

// Sanitize drops records that cannot be acted on: tasks missing required
// fields or carrying an unknown status, and index entries with malformed
// keys. Loading a snapshot always sanitizes so a hand-edited or
// version-skewed file cannot poison startup. Sanitizing twice is a no-op.
func (s *State) Sanitize() {
	if s.Version == 0 {
		s.Version = Version
	}
	if s.Projects == nil {
		s.Projects = make(map[string]*Project)
	}
	if s.Tasks == nil {
		s.Tasks = make(map[string]*Task)
	}
	if s.EventIndex == nil {
		s.EventIndex = make(map[string]string)
	}

	for key, p := range s.Projects {
		if key == "" || p == nil {
			delete(s.Projects, key)
		}
	}

	for id, t := range s.Tasks {
		if t == nil || t.ID == "" || t.ProjectKey == "" || t.LobbyRoomID == "" ||
			t.LobbyEventID == "" || t.InitialPrompt == "" || !ValidStatus(t.Status) {
			delete(s.Tasks, id)
			continue
		}
		if t.ID != id {
			// The map key is authoritative.
			t.ID = id
		}
	}

	for key, val := range s.EventIndex {
		if val == "" || !strings.Contains(key, ":") {
			delete(s.EventIndex, key)
		}
	}
}
