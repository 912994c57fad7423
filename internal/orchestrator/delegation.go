package orchestrator

import "github.com/kandev-labs/agentsquad/internal/domain"

// rank places each role in the delegation hierarchy named in spec §4.F:
// project_manager > tech_lead > {developers, qa, architect, devops, ai,
// designer}. Higher rank may delegate to any role of equal or lower
// rank.
var rank = map[domain.Role]int{
	domain.RoleProjectManager:    2,
	domain.RoleTechLead:          1,
	domain.RoleBackendDeveloper:  0,
	domain.RoleFrontendDeveloper: 0,
	domain.RoleQATester:          0,
	domain.RoleSolutionArchitect: 0,
	domain.RoleDevOpsEngineer:    0,
	domain.RoleAIEngineer:        0,
	domain.RoleDesigner:          0,
}

// CanDelegate reports whether sender may address a task_assignment to
// recipient, independent of what the sending agent's own reasoning
// decided (spec §4.F: "enforced by the Orchestrator, independent of PM
// reasoning").
func CanDelegate(sender, recipient domain.Role) bool {
	senderRank, ok := rank[sender]
	if !ok {
		return false
	}
	recipientRank, ok := rank[recipient]
	if !ok {
		return false
	}
	return senderRank >= recipientRank
}
