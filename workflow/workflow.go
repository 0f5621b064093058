package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	"github.com/next-trace/scg-authz-service/dispatcher"
)

// RoleStore persists role assignments. storage.RoleStore and memory.RoleStore implement it.
type RoleStore interface {
	Assign(ctx context.Context, subject, role string) (bool, error)
	Revoke(ctx context.Context, subject, role string) (bool, error)
	Roles(ctx context.Context, subject string) ([]string, error)
}

// Service runs the role and access-check workflows.
//
// Every workflow is safe to run twice for the same inbound message: store writes are idempotent
// and the outbound event ID is derived from the inbound ID, so JetStream drops the repeated publish.
type Service struct {
	roles       RoleStore
	pub         cbus.Publisher
	policy      Policy
	defaultRole string
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithDefaultRole sets the role assumed for subjects without assignments. Empty disables it.
func WithDefaultRole(role string) Option {
	return func(s *Service) { s.defaultRole = role }
}

// New creates the workflow service.
func New(roles RoleStore, pub cbus.Publisher, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		roles:       roles,
		pub:         pub,
		policy:      DefaultPolicy(),
		defaultRole: "user",
		logger:      logger,
	}

	for _, o := range opts {
		o(s)
	}

	if roles == nil || pub == nil {
		return nil, fmt.Errorf("workflow: role store and publisher required: %w", berr.ErrTransportNotConfigured)
	}

	if err := s.policy.Validate(); err != nil {
		return nil, err
	}

	if s.defaultRole != "" && !s.policy.Has(s.defaultRole) {
		return nil, fmt.Errorf("workflow: default role %q is not in the policy", s.defaultRole)
	}

	return s, nil
}

// Register binds the workflows on d.
func (s *Service) Register(d *dispatcher.Dispatcher) error {
	if err := dispatcher.Bind(d, SubjectRoleAssign, dispatcher.EventHandlerFunc[RoleChange](s.AssignRole)); err != nil {
		return err
	}

	if err := dispatcher.Bind(d, SubjectRoleRevoke, dispatcher.EventHandlerFunc[RoleChange](s.RevokeRole)); err != nil {
		return err
	}

	return dispatcher.Bind(d, SubjectAccessCheck, dispatcher.EventHandlerFunc[AccessCheck](s.CheckAccess))
}

// AssignRole grants the role and publishes authz.role.assigned.
func (s *Service) AssignRole(ctx context.Context, msg *cbus.Message, req RoleChange) error {
	if err := s.validRoleChange(req); err != nil {
		return err
	}

	changed, err := s.roles.Assign(ctx, req.SubjectID, req.Role)
	if err != nil {
		return fmt.Errorf("assign role: %w", err)
	}

	return s.roleChanged(ctx, msg, SubjectRoleAssigned, req, changed)
}

// RevokeRole removes the role and publishes authz.role.revoked.
func (s *Service) RevokeRole(ctx context.Context, msg *cbus.Message, req RoleChange) error {
	if err := s.validRoleChange(req); err != nil {
		return err
	}

	changed, err := s.roles.Revoke(ctx, req.SubjectID, req.Role)
	if err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}

	return s.roleChanged(ctx, msg, SubjectRoleRevoked, req, changed)
}

// CheckAccess evaluates the request against the policy and publishes authz.access.decided.
func (s *Service) CheckAccess(ctx context.Context, msg *cbus.Message, req AccessCheck) error {
	if req.SubjectID == "" || req.Action == "" {
		return berr.Permanent(errors.New("access check: subject_id and action are required"))
	}

	if req.RequestID == "" {
		req.RequestID = msg.ID
	}

	roles, err := s.effectiveRoles(ctx, req.SubjectID)
	if err != nil {
		return err
	}

	allowed, reason := s.policy.Decide(roles, req.Action, req.Resource)

	s.logger.InfoContext(ctx, "access decided",
		"request_id", req.RequestID, "subject_id", req.SubjectID,
		"action", req.Action, "resource", req.Resource, "allowed", allowed)

	return s.emit(ctx, msg, SubjectAccessResult, req.SubjectID, AccessDecision{
		RequestID: req.RequestID,
		SubjectID: req.SubjectID,
		Action:    req.Action,
		Resource:  req.Resource,
		Allowed:   allowed,
		Reason:    reason,
		Roles:     roles,
	})
}

func (s *Service) validRoleChange(req RoleChange) error {
	if req.SubjectID == "" || req.Role == "" {
		return berr.Permanent(errors.New("role change: subject_id and role are required"))
	}

	if !s.policy.Has(req.Role) {
		return berr.Permanent(fmt.Errorf("role change: unknown role %q", req.Role))
	}

	return nil
}

func (s *Service) roleChanged(ctx context.Context, msg *cbus.Message, subject string, req RoleChange, changed bool) error {
	roles, err := s.roles.Roles(ctx, req.SubjectID)
	if err != nil {
		return fmt.Errorf("list roles: %w", err)
	}

	if roles == nil {
		roles = []string{}
	}

	s.logger.InfoContext(ctx, "role updated",
		"event", subject, "subject_id", req.SubjectID, "role", req.Role, "changed", changed)

	return s.emit(ctx, msg, subject, req.SubjectID, RoleChanged{
		SubjectID: req.SubjectID,
		Role:      req.Role,
		Changed:   changed,
		Roles:     roles,
	})
}

func (s *Service) effectiveRoles(ctx context.Context, subject string) ([]string, error) {
	roles, err := s.roles.Roles(ctx, subject)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}

	if len(roles) == 0 && s.defaultRole != "" {
		return []string{s.defaultRole}, nil
	}

	if roles == nil {
		roles = []string{}
	}

	return roles, nil
}

func (s *Service) emit(ctx context.Context, in *cbus.Message, subject, key string, payload any) error {
	out, err := in.Reply(subject, "", payload)
	if err != nil {
		return berr.Permanent(err)
	}

	if _, err := s.pub.Publish(ctx, out, cbus.PublishOptions{Key: key}); err != nil {
		return fmt.Errorf("emit %s: %w", subject, err)
	}

	return nil
}
