package orchestrator

import (
	"context"
	"fmt"

	"github.com/anotherjesse/acb/internal/config"
	"github.com/anotherjesse/acb/internal/spark"
	"github.com/anotherjesse/acb/internal/state"
)

// Reconcile converges the workspace space, per-project spaces and lobbies,
// and the per-project sandbox resources to the declared configuration.
// Safe to run on every boot: existing resource IDs are confirmed rather
// than re-created, and an unreachable stored ID is cleared and
// re-provisioned. State is persisted exactly once, at the end.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if err := o.reconcileWorkspace(ctx); err != nil {
		return err
	}

	for i := range o.cfg.Projects {
		if err := o.reconcileProject(ctx, &o.cfg.Projects[i]); err != nil {
			return fmt.Errorf("project %s: %w", o.cfg.Projects[i].Key, err)
		}
	}

	return o.persist()
}

func (o *Orchestrator) reconcileWorkspace(ctx context.Context) error {
	ws := &o.state.Workspace
	ws.Name = o.cfg.Workspace.Name
	ws.Topic = o.cfg.Workspace.Topic

	if ws.SpaceID != "" {
		if err := o.ensureRoomUsable(ctx, ws.SpaceID); err == nil {
			return nil
		} else {
			o.logger.Warn("workspace space unreachable, re-creating",
				"space_id", ws.SpaceID, "error", err.Error())
			ws.SpaceID = ""
		}
	}

	spaceID, err := o.chat.CreateSpace(ctx, o.cfg.Workspace.Name, o.cfg.Workspace.Topic, o.cfg.Workspace.TeamMembers)
	if err != nil {
		return fmt.Errorf("creating workspace space: %w", err)
	}
	ws.SpaceID = spaceID
	ws.UpdatedAt = o.now()
	o.logger.Info("created workspace space", "space_id", spaceID)
	return nil
}

func (o *Orchestrator) reconcileProject(ctx context.Context, p *config.Project) error {
	ps := o.state.Project(p.Key)
	ps.DisplayName = p.DisplayName

	// Project space.
	if ps.ProjectSpaceID != "" {
		if err := o.ensureRoomUsable(ctx, ps.ProjectSpaceID); err != nil {
			o.logger.Warn("project space unreachable, re-creating",
				"project", p.Key, "space_id", ps.ProjectSpaceID, "error", err.Error())
			ps.ProjectSpaceID = ""
		}
	}
	if ps.ProjectSpaceID == "" {
		spaceID, err := o.chat.CreateSpace(ctx, p.DisplayName, "", o.cfg.Workspace.TeamMembers)
		if err != nil {
			return fmt.Errorf("creating project space: %w", err)
		}
		ps.ProjectSpaceID = spaceID
		o.logger.Info("created project space", "project", p.Key, "space_id", spaceID)
	}
	if err := o.chat.LinkRoomUnderSpace(ctx, o.state.Workspace.SpaceID, ps.ProjectSpaceID); err != nil {
		return fmt.Errorf("linking project space: %w", err)
	}
	if err := o.chat.EnsureInvites(ctx, ps.ProjectSpaceID, o.cfg.Workspace.TeamMembers); err != nil {
		return fmt.Errorf("inviting to project space: %w", err)
	}

	// Lobby room.
	if ps.LobbyRoomID != "" {
		if err := o.ensureRoomUsable(ctx, ps.LobbyRoomID); err != nil {
			o.logger.Warn("lobby room unreachable, re-creating",
				"project", p.Key, "room_id", ps.LobbyRoomID, "error", err.Error())
			ps.LobbyRoomID = ""
		}
	}
	if ps.LobbyRoomID == "" {
		roomID, err := o.chat.CreateRoom(ctx, p.Matrix.LobbyRoomName,
			"Post a message here to start a task for "+p.DisplayName, o.cfg.Workspace.TeamMembers)
		if err != nil {
			return fmt.Errorf("creating lobby room: %w", err)
		}
		ps.LobbyRoomID = roomID
		ps.LobbyRoomName = p.Matrix.LobbyRoomName
		o.logger.Info("created lobby room", "project", p.Key, "room_id", roomID)
	}
	if err := o.chat.LinkRoomUnderSpace(ctx, ps.ProjectSpaceID, ps.LobbyRoomID); err != nil {
		return fmt.Errorf("linking lobby room: %w", err)
	}
	if err := o.chat.EnsureInvites(ctx, ps.LobbyRoomID, o.cfg.Workspace.TeamMembers); err != nil {
		return fmt.Errorf("inviting to lobby room: %w", err)
	}

	// Repo preflight: advisory only. The sandbox clone is the operation
	// that actually depends on the repo being reachable.
	if o.preflight != nil {
		if err := o.preflight.CheckRepo(ctx, p.Repo); err != nil {
			o.logger.Warn("repo preflight failed", "project", p.Key, "repo", p.Repo, "error", err.Error())
		}
	}

	// Sandbox side, in order. Any failure is fatal for the reconcile:
	// the orchestrator does not take task traffic for a project whose
	// main sandbox is broken.
	if err := o.sandbox.EnsureWorkVolume(ctx, p.Spark.Project, p.Spark.Work.Volume); err != nil {
		return fmt.Errorf("ensuring work volume: %w", err)
	}
	if err := o.sandbox.EnsureMainSandbox(ctx, spark.MainSandboxSpec{
		Project:       p.Spark.Project,
		Base:          p.Spark.Base,
		MainSandbox:   p.Spark.MainSpark,
		WorkVolume:    p.Spark.Work.Volume,
		WorkMountPath: p.Spark.Work.MountPath,
	}); err != nil {
		return fmt.Errorf("ensuring main sandbox: %w", err)
	}
	if err := o.sandbox.EnsureRepoInMainSandbox(ctx, spark.RepoSpec{
		Project:     p.Spark.Project,
		SandboxName: p.Spark.MainSpark,
		Repo:        p.Repo,
		Branch:      p.DefaultBranch,
		Workdir:     p.Spark.Work.MountPath + "/repo",
	}); err != nil {
		return fmt.Errorf("syncing repo in main sandbox: %w", err)
	}
	if err := o.sandbox.RunBootstrap(ctx, spark.BootstrapSpec{
		Project:     p.Spark.Project,
		SandboxName: p.Spark.MainSpark,
		Workdir:     p.Spark.Work.MountPath + "/repo",
		ScriptPath:  p.Spark.Bootstrap.ScriptIfExists,
		TimeoutSec:  p.Spark.Bootstrap.TimeoutSec,
		Retries:     p.Spark.Bootstrap.Retries,
	}); err != nil {
		return fmt.Errorf("running bootstrap: %w", err)
	}

	ps.Spark = state.SparkShape{
		Project:       p.Spark.Project,
		Base:          p.Spark.Base,
		MainSandbox:   p.Spark.MainSpark,
		WorkVolume:    p.Spark.Work.Volume,
		WorkMountPath: p.Spark.Work.MountPath,
	}
	ps.UpdatedAt = o.now()
	return nil
}

// ensureRoomUsable confirms the bot can use a stored room ID: joined (or
// joinable) and with invites applied.
func (o *Orchestrator) ensureRoomUsable(ctx context.Context, roomID string) error {
	if err := o.chat.EnsureJoinedRoom(ctx, roomID); err != nil {
		return err
	}
	return o.chat.EnsureInvites(ctx, roomID, o.cfg.Workspace.TeamMembers)
}
