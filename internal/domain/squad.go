// Package domain holds the data model shared by every core component:
// squads, tasks, executions, messages, conversations and sessions.
package domain

import "time"

// SquadStatus is the lifecycle state of a persistent team.
type SquadStatus string

const (
	SquadActive   SquadStatus = "active"
	SquadPaused   SquadStatus = "paused"
	SquadArchived SquadStatus = "archived"
)

// Squad is a persistent team owning a set of SquadMembers.
type Squad struct {
	ID      string                 `json:"id" db:"id"`
	OrgID   string                 `json:"org_id" db:"org_id"`
	OwnerID string                 `json:"owner_id" db:"owner_id"`
	Name    string                 `json:"name" db:"name"`
	Status  SquadStatus            `json:"status" db:"status"`
	Config  map[string]interface{} `json:"config,omitempty" db:"config"`
}

// Role is a SquadMember's position in the delegation hierarchy.
type Role string

const (
	RoleProjectManager     Role = "project_manager"
	RoleTechLead           Role = "tech_lead"
	RoleBackendDeveloper   Role = "backend_developer"
	RoleFrontendDeveloper  Role = "frontend_developer"
	RoleQATester           Role = "qa_tester"
	RoleSolutionArchitect  Role = "solution_architect"
	RoleDevOpsEngineer     Role = "devops_engineer"
	RoleAIEngineer         Role = "ai_engineer"
	RoleDesigner           Role = "designer"
	RoleHumanIntervention  Role = "human_intervention_required"
)

// AllRoles lists every valid SquadMember role (excluding the synthetic
// human_intervention_required escalation target).
var AllRoles = []Role{
	RoleProjectManager,
	RoleTechLead,
	RoleBackendDeveloper,
	RoleFrontendDeveloper,
	RoleQATester,
	RoleSolutionArchitect,
	RoleDevOpsEngineer,
	RoleAIEngineer,
	RoleDesigner,
}

// IsValid reports whether r is one of the nine SquadMember roles.
func (r Role) IsValid() bool {
	for _, known := range AllRoles {
		if known == r {
			return true
		}
	}
	return false
}

// SquadMember is a role-specialized agent belonging to a Squad. Its
// identity is the tuple (squad, role, id); two members of a squad may
// share a role.
type SquadMember struct {
	ID             string                 `json:"id" db:"id"`
	SquadID        string                 `json:"squad_id" db:"squad_id"`
	Role           Role                   `json:"role" db:"role"`
	Specialization string                 `json:"specialization,omitempty" db:"specialization"`
	LLMProvider    string                 `json:"llm_provider" db:"llm_provider"`
	LLMModel       string                 `json:"llm_model" db:"llm_model"`
	SystemPrompt   string                 `json:"system_prompt" db:"system_prompt"`
	Config         map[string]interface{} `json:"config,omitempty" db:"config"`
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskPriority orders tasks for scheduling decisions external to the core.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Task is a unit of work to be carried out by a squad.
type Task struct {
	ID          string       `json:"id" db:"id"`
	ProjectID   string       `json:"project_id" db:"project_id"`
	ExternalID  string       `json:"external_id,omitempty" db:"external_id"`
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description" db:"description"`
	Status      TaskStatus   `json:"status" db:"status"`
	Priority    TaskPriority `json:"priority" db:"priority"`
	AssignedTo  string       `json:"assigned_to,omitempty" db:"assigned_to"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}
