package protocol

// Payload is the typed body of a published event. Fields returns a
// shape-preserving projection of the payload: the same keys the event
// log writes next to ts/event, and the view automation filters and
// {event.*} templates resolve against.
type Payload interface {
	Event() string
	Fields() map[string]any
}

// AgentRegistered is published once per successful registration.
type AgentRegistered struct {
	AgentID  string
	Name     string
	Provider string
	Model    string
}

func (p AgentRegistered) Event() string { return EventAgentRegistered }

func (p AgentRegistered) Fields() map[string]any {
	return map[string]any{
		"agentId":  p.AgentID,
		"name":     p.Name,
		"provider": p.Provider,
		"model":    p.Model,
	}
}

// AgentUnregistered is published when an agent is removed.
type AgentUnregistered struct {
	AgentID string
	Name    string
}

func (p AgentUnregistered) Event() string { return EventAgentUnregistered }

func (p AgentUnregistered) Fields() map[string]any {
	return map[string]any{"agentId": p.AgentID, "name": p.Name}
}

// AgentStateChanged carries a lifecycle transition. Error is set only
// for transitions into the error state.
type AgentStateChanged struct {
	AgentID string
	From    string
	To      string
	Error   string
}

func (p AgentStateChanged) Event() string { return EventAgentStateChanged }

func (p AgentStateChanged) Fields() map[string]any {
	f := map[string]any{"agentId": p.AgentID, "from": p.From, "to": p.To}
	if p.Error != "" {
		f["error"] = p.Error
	}
	return f
}

// TaskStarted is published before strategy execution.
type TaskStarted struct {
	TaskID     string
	SkillID    string
	Strategy   string
	AgentCount int
}

func (p TaskStarted) Event() string { return EventTaskStarted }

func (p TaskStarted) Fields() map[string]any {
	return map[string]any{
		"taskId":     p.TaskID,
		"skillId":    p.SkillID,
		"strategy":   p.Strategy,
		"agentCount": p.AgentCount,
	}
}

// TaskCompleted is published after aggregation, success or not.
type TaskCompleted struct {
	TaskID         string
	SkillID        string
	Strategy       string
	Success        bool
	TotalTokens    int
	TotalCostUnits float64
	TotalLatencyMs int64
}

func (p TaskCompleted) Event() string { return EventTaskCompleted }

func (p TaskCompleted) Fields() map[string]any {
	return map[string]any{
		"taskId":         p.TaskID,
		"skillId":        p.SkillID,
		"strategy":       p.Strategy,
		"success":        p.Success,
		"totalTokens":    p.TotalTokens,
		"totalCostUnits": p.TotalCostUnits,
		"totalLatencyMs": p.TotalLatencyMs,
	}
}

// SkillRegistered is published on create and on update.
type SkillRegistered struct {
	SkillID  string
	Name     string
	Strategy string
}

func (p SkillRegistered) Event() string { return EventSkillRegistered }

func (p SkillRegistered) Fields() map[string]any {
	return map[string]any{"skillId": p.SkillID, "name": p.Name, "strategy": p.Strategy}
}

// SkillRemoved is published when a skill is deleted.
type SkillRemoved struct {
	SkillID string
	Name    string
}

func (p SkillRemoved) Event() string { return EventSkillRemoved }

func (p SkillRemoved) Fields() map[string]any {
	return map[string]any{"skillId": p.SkillID, "name": p.Name}
}

// WorkspaceMonitoring is published when a monitor starts.
type WorkspaceMonitoring struct {
	Path string
}

func (p WorkspaceMonitoring) Event() string { return EventWorkspaceMonitoring }

func (p WorkspaceMonitoring) Fields() map[string]any {
	return map[string]any{"path": p.Path}
}

// WorkspaceStopped is published when a monitor stops.
type WorkspaceStopped struct {
	Path       string
	Reason     string
	DurationMs int64
}

func (p WorkspaceStopped) Event() string { return EventWorkspaceStopped }

func (p WorkspaceStopped) Fields() map[string]any {
	return map[string]any{"path": p.Path, "reason": p.Reason, "durationMs": p.DurationMs}
}

// WorkspaceFileChanged reports a watched file write outside the
// session store. File is relative to the workspace where possible.
type WorkspaceFileChanged struct {
	Path string
	File string
	Op   string
}

func (p WorkspaceFileChanged) Event() string { return EventWorkspaceFileChanged }

func (p WorkspaceFileChanged) Fields() map[string]any {
	return map[string]any{"path": p.Path, "file": p.File, "op": p.Op}
}

// WorkspaceSessionUpdated reports fresh chat-session metadata.
// Source is "state" for state.json writes and "mine" for JSONL mining.
type WorkspaceSessionUpdated struct {
	Path      string
	SessionID string
	Source    string
	Requests  int
}

func (p WorkspaceSessionUpdated) Event() string { return EventWorkspaceSessionUpdated }

func (p WorkspaceSessionUpdated) Fields() map[string]any {
	return map[string]any{
		"path":      p.Path,
		"sessionId": p.SessionID,
		"source":    p.Source,
		"requests":  p.Requests,
	}
}

// WorkspaceGitEvent reports local git activity. Kind is one of the
// GitEvent* constants; Detail carries the branch name, commit subject
// or error text depending on the kind.
type WorkspaceGitEvent struct {
	Path   string
	Kind   string
	Branch string
	Detail string
}

func (p WorkspaceGitEvent) Event() string { return EventWorkspaceGitEvent }

func (p WorkspaceGitEvent) Fields() map[string]any {
	return map[string]any{
		"path":   p.Path,
		"kind":   p.Kind,
		"branch": p.Branch,
		"detail": p.Detail,
	}
}

// WorkspaceRemoteUpdate reports one remote ref that changed during a
// fetch cycle. Change is added, updated or deleted.
type WorkspaceRemoteUpdate struct {
	Path    string
	Ref     string
	Change  string
	OldHash string
	NewHash string
}

func (p WorkspaceRemoteUpdate) Event() string { return EventWorkspaceRemoteUpdate }

func (p WorkspaceRemoteUpdate) Fields() map[string]any {
	return map[string]any{
		"path":    p.Path,
		"ref":     p.Ref,
		"change":  p.Change,
		"oldHash": p.OldHash,
		"newHash": p.NewHash,
	}
}

// CrossRepoDispatched is published before a cross-repo task routes.
type CrossRepoDispatched struct {
	Repo    string
	SkillID string
	TaskID  string
}

func (p CrossRepoDispatched) Event() string { return EventCrossRepoDispatched }

func (p CrossRepoDispatched) Fields() map[string]any {
	return map[string]any{"repo": p.Repo, "skillId": p.SkillID, "taskId": p.TaskID}
}

// CrossRepoCompleted is published after a cross-repo task finishes.
type CrossRepoCompleted struct {
	Repo    string
	SkillID string
	TaskID  string
	Success bool
	Summary string
}

func (p CrossRepoCompleted) Event() string { return EventCrossRepoCompleted }

func (p CrossRepoCompleted) Fields() map[string]any {
	return map[string]any{
		"repo":    p.Repo,
		"skillId": p.SkillID,
		"taskId":  p.TaskID,
		"success": p.Success,
		"summary": p.Summary,
	}
}

// MessageReceived is published when the mailbox poller sees a new
// inbound message for this process.
type MessageReceived struct {
	MessageID string
	From      string
	To        string
	Body      string
}

func (p MessageReceived) Event() string { return EventMessageReceived }

func (p MessageReceived) Fields() map[string]any {
	return map[string]any{
		"messageId": p.MessageID,
		"from":      p.From,
		"to":        p.To,
		"body":      p.Body,
	}
}
