// Package access defines the port for project role checks.
package access

import "context"

// Roles recognised by the checker.
const (
	RoleOwner  = "owner"
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// Checker asserts a user's rights on a project. A non-nil error is a
// rejection and must abort before any run or draft mutation.
type Checker interface {
	AssertCanGenerate(ctx context.Context, projectID, userID string) error
	AssertOwnerRole(ctx context.Context, projectID, userID string) error
	AssertCanView(ctx context.Context, projectID, userID string) error
}
