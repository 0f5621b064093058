package workflow

// Subjects consumed and published by the authorization workflows.
const (
	SubjectRoleAssign   = "authz.role.assign"
	SubjectRoleAssigned = "authz.role.assigned"
	SubjectRoleRevoke   = "authz.role.revoke"
	SubjectRoleRevoked  = "authz.role.revoked"
	SubjectAccessCheck  = "authz.access.check"
	SubjectAccessResult = "authz.access.decided"
)

// InboundSubjects lists the subjects the workflows handle. Results are published into the same
// stream, so the workflow consumer filters on these instead of the whole stream.
func InboundSubjects() []string {
	return []string{SubjectRoleAssign, SubjectRoleRevoke, SubjectAccessCheck}
}

// OutboundSubjects lists the subjects the workflows publish.
func OutboundSubjects() []string {
	return []string{SubjectRoleAssigned, SubjectRoleRevoked, SubjectAccessResult}
}

// RoleChange requests assigning or revoking a role.
type RoleChange struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

// RoleChanged reports the result of a RoleChange. Changed is false when the request was a no-op.
type RoleChanged struct {
	SubjectID string   `json:"subject_id"`
	Role      string   `json:"role"`
	Changed   bool     `json:"changed"`
	Roles     []string `json:"roles"`
}

// AccessCheck asks whether a subject may perform action on resource.
type AccessCheck struct {
	RequestID string `json:"request_id"`
	SubjectID string `json:"subject_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
}

// AccessDecision answers an AccessCheck.
type AccessDecision struct {
	RequestID string   `json:"request_id"`
	SubjectID string   `json:"subject_id"`
	Action    string   `json:"action"`
	Resource  string   `json:"resource"`
	Allowed   bool     `json:"allowed"`
	Reason    string   `json:"reason"`
	Roles     []string `json:"roles"`
}
