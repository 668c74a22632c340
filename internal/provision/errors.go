package provision

import "fmt"

// ConflictError indicates requested resource parameters conflict with
// existing account state (e.g., an overlapping CIDR). Never retried.
type ConflictError struct {
	Resource  string
	Requested string
	Existing  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict: requested %s conflicts with existing %s", e.Resource, e.Requested, e.Existing)
}

// TrustPolicyError indicates an existing execution role carries a trust
// policy that does not name the ECS tasks service as its sole principal.
// Provisioning fails rather than widening trust.
type TrustPolicyError struct {
	RoleName  string
	Principal string
}

func (e *TrustPolicyError) Error() string {
	return fmt.Sprintf("role %s has incompatible trust policy (principal %q, want %q)", e.RoleName, e.Principal, ecsTasksPrincipal)
}

// RolloutError indicates the service never reached the desired stable count
// at the target revision within the bounded wait. The previous revision's
// tasks keep serving; recovery requires a new revision.
type RolloutError struct {
	Service        string
	TaskDefinition string
	Reason         string
}

func (e *RolloutError) Error() string {
	return fmt.Sprintf("service %s failed to stabilize on %s: %s", e.Service, e.TaskDefinition, e.Reason)
}
