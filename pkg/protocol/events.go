// Package protocol defines the event vocabulary shared by every
// component: the closed set of event names and one typed payload per
// event. Handlers type-switch on the payload; the event log and the
// automation engine consume the flattened field view.
package protocol

// Agent lifecycle events published by the registry.
const (
	EventAgentRegistered   = "agent:registered"
	EventAgentUnregistered = "agent:unregistered"
	EventAgentStateChanged = "agent:state-changed"
)

// Task lifecycle events published by the router.
const (
	EventTaskStarted   = "task:started"
	EventTaskCompleted = "task:completed"
)

// Skill store events.
const (
	EventSkillRegistered = "skill:registered"
	EventSkillRemoved    = "skill:removed"
)

// Workspace monitor events.
const (
	EventWorkspaceMonitoring     = "workspace:monitoring"
	EventWorkspaceStopped        = "workspace:stopped"
	EventWorkspaceFileChanged    = "workspace:file-changed"
	EventWorkspaceSessionUpdated = "workspace:session-updated"
	EventWorkspaceGitEvent       = "workspace:git-event"
	EventWorkspaceRemoteUpdate   = "workspace:remote-update"
)

// Cross-repo dispatch events.
const (
	EventCrossRepoDispatched = "crossrepo:dispatched"
	EventCrossRepoCompleted  = "crossrepo:completed"
)

// Mailbox events.
const (
	EventMessageReceived = "message:received"
)

// Git event kinds carried in WorkspaceGitEvent.Kind.
const (
	GitEventBranchSwitch  = "branch-switch"
	GitEventCommit        = "commit"
	GitEventCommitMessage = "commit-message"
	GitEventMerge         = "merge"
	GitEventRebase        = "rebase"
	GitEventFetchFailed   = "fetch-failed"
)

// Names returns the closed set of event names in a stable order.
// Subscribing to each name in this slice covers every event the
// process can publish.
func Names() []string {
	return []string{
		EventAgentRegistered,
		EventAgentUnregistered,
		EventAgentStateChanged,
		EventTaskStarted,
		EventTaskCompleted,
		EventSkillRegistered,
		EventSkillRemoved,
		EventWorkspaceMonitoring,
		EventWorkspaceStopped,
		EventWorkspaceFileChanged,
		EventWorkspaceSessionUpdated,
		EventWorkspaceGitEvent,
		EventWorkspaceRemoteUpdate,
		EventCrossRepoDispatched,
		EventCrossRepoCompleted,
		EventMessageReceived,
	}
}

// Known reports whether name is part of the closed event set.
func Known(name string) bool {
	for _, n := range Names() {
		if n == name {
			return true
		}
	}
	return false
}
