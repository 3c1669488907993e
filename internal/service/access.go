// Package service implements the automation run engine on top of ports.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/port/access"
	"github.com/Strob0t/storepilot/internal/port/database"
)

// RoleChecker implements access.Checker from project memberships.
type RoleChecker struct {
	store database.ProjectStore
}

// NewRoleChecker creates a RoleChecker.
func NewRoleChecker(store database.ProjectStore) *RoleChecker {
	return &RoleChecker{store: store}
}

// AssertCanGenerate allows owners and editors.
func (c *RoleChecker) AssertCanGenerate(ctx context.Context, projectID, userID string) error {
	return c.require(ctx, projectID, userID, access.RoleOwner, access.RoleEditor)
}

// AssertOwnerRole allows owners only.
func (c *RoleChecker) AssertOwnerRole(ctx context.Context, projectID, userID string) error {
	return c.require(ctx, projectID, userID, access.RoleOwner)
}

// AssertCanView allows any member.
func (c *RoleChecker) AssertCanView(ctx context.Context, projectID, userID string) error {
	return c.require(ctx, projectID, userID, access.RoleOwner, access.RoleEditor, access.RoleViewer)
}

func (c *RoleChecker) require(ctx context.Context, projectID, userID string, allowed ...string) error {
	if userID == "" {
		return run.Rejected(run.CodeForbidden, "user is required", domain.ErrForbidden)
	}
	role, err := c.store.GetMemberRole(ctx, projectID, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return run.Rejected(run.CodeForbidden, "not a project member", domain.ErrForbidden)
	}
	if err != nil {
		return fmt.Errorf("member role: %w", err)
	}
	if !slices.Contains(allowed, role) {
		return run.Rejected(run.CodeForbidden, fmt.Sprintf("role %q is not allowed", role), domain.ErrForbidden).
			WithDetail("role", role)
	}
	return nil
}
