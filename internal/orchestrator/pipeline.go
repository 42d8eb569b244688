package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anotherjesse/acb/internal/identifier"
	"github.com/anotherjesse/acb/internal/matrix"
	"github.com/anotherjesse/acb/internal/spark"
	"github.com/anotherjesse/acb/internal/state"
)

// promptNoticeMax caps how much of the prompt is echoed into notices.
const promptNoticeMax = 1000

// typingTimeoutMs is the typing-indicator lease while a spawn is running.
const typingTimeoutMs = 30000

// spawnTask runs the full task pipeline for one accepted lobby message.
//
// The first persist is the commitment point: once the task record and the
// event-index entry are on disk, a crash or downstream failure can never
// cause a second spawn for this event. Everything after that either
// completes the task or moves it to error via markFailedEvent.
func (o *Orchestrator) spawnTask(ctx context.Context, projectKey, lobbyRoomID string, ev *matrix.RoomEvent) error {
	project := o.cfg.ProjectByKey(projectKey)
	if project == nil {
		return fmt.Errorf("no declared project for key %q", projectKey)
	}
	ps := o.state.Projects[projectKey]
	prompt := strings.TrimSpace(ev.Content.Body)
	now := o.now()

	ids := identifier.BuildTaskIdentifiers(identifier.Input{
		ProjectKey:   projectKey,
		Prompt:       prompt,
		LobbyEventID: ev.EventID,
		Now:          now,
	})

	task := &state.Task{
		ID:            ids.TaskID,
		ProjectKey:    projectKey,
		LobbyRoomID:   lobbyRoomID,
		LobbyEventID:  ev.EventID,
		Status:        state.StatusWaiting,
		InitialPrompt: prompt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.state.Tasks[task.ID] = task
	o.state.MarkEventProcessed(lobbyRoomID, ev.EventID, task.ID)
	if err := o.persist(); err != nil {
		return err
	}
	o.recordAudit(task.ID, "created", prompt)
	o.logger.Info("task accepted", "task_id", task.ID, "project", projectKey, "sender", ev.Sender)

	// Typing in the lobby while the spawn runs. Purely cosmetic.
	_ = o.chat.SendTyping(ctx, lobbyRoomID, true, typingTimeoutMs)
	defer func() { _ = o.chat.SendTyping(ctx, lobbyRoomID, false, 0) }()

	// Task room.
	roomName := project.Matrix.TaskRoomPrefix + "-" + ids.RoomLabel
	taskRoomID, err := o.chat.CreateRoom(ctx, roomName, prompt, o.cfg.Workspace.TeamMembers)
	if err != nil {
		return fmt.Errorf("creating task room: %w", err)
	}
	task.TaskRoomID = taskRoomID
	task.TaskRoomName = roomName
	task.UpdatedAt = o.now()
	if err := o.chat.LinkRoomUnderSpace(ctx, ps.ProjectSpaceID, taskRoomID); err != nil {
		return fmt.Errorf("linking task room: %w", err)
	}
	o.recordAudit(task.ID, "room_created", taskRoomID)

	if _, err := o.chat.SendNotice(ctx, taskRoomID, taskMetadataNotice(task)); err != nil {
		return fmt.Errorf("posting task metadata: %w", err)
	}
	if _, err := o.chat.SendNotice(ctx, taskRoomID, truncatePrompt(prompt)); err != nil {
		return fmt.Errorf("posting initial prompt: %w", err)
	}

	// Sandbox fork.
	if err := o.sandbox.CreateTaskSandboxFork(ctx, spark.ForkSpec{
		Project:     project.Spark.Project,
		TaskSandbox: ids.SandboxName,
		MainSandbox: project.Spark.MainSpark,
		Tags: map[string]string{
			"matrix_room_id":       taskRoomID,
			"matrix_project":       projectKey,
			"matrix_lobby_room_id": lobbyRoomID,
			"matrix_lobby_event_id": ev.EventID,
		},
	}); err != nil {
		return fmt.Errorf("forking task sandbox: %w", err)
	}
	task.SandboxProject = project.Spark.Project
	task.SandboxName = ids.SandboxName
	task.UpdatedAt = o.now()
	o.recordAudit(task.ID, "fork_created", ids.SandboxName)

	// Agent launch.
	env := bridgeEnv(os.Environ())
	env["MATRIX_HOMESERVER_URL"] = o.chat.HomeserverURL()
	env["MATRIX_ACCESS_TOKEN"] = o.chat.AccessToken()
	env["MATRIX_BOT_USER"] = o.chat.UserID()
	env["MATRIX_ROOM_ID"] = taskRoomID
	env["PROJECT_KEY"] = projectKey
	env["SPARK_PROJECT"] = project.Spark.Project
	env["SPARK_NAME"] = ids.SandboxName
	env["INITIAL_PROMPT"] = prompt

	launch, err := o.sandbox.LaunchBridgeInSandbox(ctx, spark.LaunchSpec{
		Project:          project.Spark.Project,
		SandboxName:      ids.SandboxName,
		BridgeEntrypoint: o.cfg.Runtime.BridgeEntrypoint,
		BridgeWorkdir:    o.cfg.Runtime.BridgeWorkdir,
		Env:              env,
	})
	if err != nil {
		return fmt.Errorf("launching bridge: %w", err)
	}
	task.Bridge = state.Bridge{
		PID:       launch.PID,
		ProcessID: launch.ProcessID,
		RawOutput: launch.RawOutput,
	}
	task.Status = state.StatusActive
	task.UpdatedAt = o.now()
	o.recordAudit(task.ID, "launched", launch.ProcessID)

	// Tell the lobby where the work went.
	notice := fmt.Sprintf(
		"Task created: %s\nRoom: %s (%s)\nhttps://matrix.to/#/%s\nSandbox: %s:%s",
		task.ID, roomName, taskRoomID, taskRoomID, task.SandboxProject, task.SandboxName)
	if _, err := o.chat.SendNotice(ctx, lobbyRoomID, notice); err != nil {
		return fmt.Errorf("posting task-created notice: %w", err)
	}

	o.logger.Info("task spawned", "task_id", task.ID, "room_id", taskRoomID, "sandbox", ids.SandboxName)
	return o.persist()
}

// markFailedEvent settles a failed spawn: the task (if one was created)
// moves to error, the lobby hears about it, and the event index guarantees
// the event is never retried. When no task record exists yet, a sentinel
// entry suppresses the event permanently.
func (o *Orchestrator) markFailedEvent(ctx context.Context, projectKey, lobbyRoomID string, ev *matrix.RoomEvent, cause error) {
	o.logger.Error("task spawn failed",
		"project", projectKey, "event_id", ev.EventID, "error", cause.Error())

	key := state.EventKey(lobbyRoomID, ev.EventID)
	if taskID, ok := o.state.EventIndex[key]; ok {
		if task, ok := o.state.Tasks[taskID]; ok {
			task.Status = state.StatusError
			task.StatusReason = cause.Error()
			task.UpdatedAt = o.now()
			o.recordAudit(task.ID, "error", cause.Error())
			if !o.cfg.Runtime.KeepErrorRooms && task.TaskRoomID != "" {
				o.chat.LeaveAndForget(ctx, task.TaskRoomID)
			}
		}
	} else {
		o.state.MarkEventProcessed(lobbyRoomID, ev.EventID,
			fmt.Sprintf("failed-%d", o.now().UnixMilli()))
	}

	notice := "Task creation failed. " + truncateError(cause)
	if _, err := o.chat.SendNotice(ctx, lobbyRoomID, notice); err != nil {
		o.logger.Warn("posting failure notice failed", "room_id", lobbyRoomID, "error", err.Error())
	}
}

// bridgeEnv filters the orchestrator's environment down to what the
// in-sandbox agent may see: OPENAI_API_KEY, LOG_LEVEL, and CODEX_*.
func bridgeEnv(environ []string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq <= 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if key == "OPENAI_API_KEY" || key == "LOG_LEVEL" || strings.HasPrefix(key, "CODEX_") {
			env[key] = val
		}
	}
	return env
}

func taskMetadataNotice(t *state.Task) string {
	return fmt.Sprintf("task: %s\nstatus: %s\nproject: %s\nlobby: %s",
		t.ID, t.Status, t.ProjectKey, t.LobbyRoomID)
}

func truncatePrompt(prompt string) string {
	if len(prompt) > promptNoticeMax {
		return prompt[:promptNoticeMax] + "..."
	}
	return prompt
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500] + "..."
	}
	return msg
}
