package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-authz-service/adapters/inmemory"
	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	"github.com/next-trace/scg-authz-service/dispatcher"
	"github.com/next-trace/scg-authz-service/memory"
	"github.com/next-trace/scg-authz-service/workflow"
)

type fixture struct {
	roles *memory.RoleStore
	pub   *inmemory.Publisher
	disp  *dispatcher.Dispatcher
}

func newFixture(t *testing.T, opts ...workflow.Option) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{roles: memory.NewRoleStore(), pub: inmemory.New()}
	f.disp = dispatcher.New(memory.NewProcessedStore(), logger)

	svc, err := workflow.New(f.roles, f.pub, logger, opts...)
	require.NoError(t, err)
	require.NoError(t, svc.Register(f.disp))

	return f
}

func (f *fixture) dispatch(t *testing.T, subject string, payload any) (*cbus.Message, error) {
	t.Helper()

	msg, err := cbus.NewMessage(subject, "", payload)
	require.NoError(t, err)

	msg.Delivery.Consumer = "authz-workflows"
	_, err = f.disp.Dispatch(t.Context(), msg)

	return msg, err
}

func decodeLast[T any](t *testing.T, pub *inmemory.Publisher) (*cbus.Message, T) {
	t.Helper()

	var v T

	msgs := pub.Published()
	require.NotEmpty(t, msgs)

	last := msgs[len(msgs)-1]
	require.NoError(t, json.Unmarshal(last.Data, &v))

	return last, v
}

func TestAssignRole(t *testing.T) {
	f := newFixture(t)

	in, err := f.dispatch(t, workflow.SubjectRoleAssign, workflow.RoleChange{SubjectID: "u1", Role: "admin"})
	require.NoError(t, err)

	out, ev := decodeLast[workflow.RoleChanged](t, f.pub)
	assert.Equal(t, workflow.SubjectRoleAssigned, out.Subject)
	assert.Equal(t, in.ID, out.CausationID)
	assert.Equal(t, in.ID, out.CorrelationID)
	assert.Equal(t, workflow.RoleChanged{SubjectID: "u1", Role: "admin", Changed: true, Roles: []string{"admin"}}, ev)

	roles, _ := f.roles.Roles(t.Context(), "u1")
	assert.Equal(t, []string{"admin"}, roles)
}

func TestAssignRole_RedeliveryPublishesSameID(t *testing.T) {
	f := newFixture(t)

	msg, err := cbus.NewMessage(workflow.SubjectRoleAssign, "", workflow.RoleChange{SubjectID: "u1", Role: "user"})
	require.NoError(t, err)

	svc, err := workflow.New(f.roles, f.pub, nil)
	require.NoError(t, err)

	// call the handler directly twice, as a redelivery after a lost ack would
	require.NoError(t, svc.AssignRole(t.Context(), msg, workflow.RoleChange{SubjectID: "u1", Role: "user"}))
	require.NoError(t, svc.AssignRole(t.Context(), msg, workflow.RoleChange{SubjectID: "u1", Role: "user"}))

	assert.Len(t, f.pub.Published(), 1, "second publish dropped as duplicate")
}

func TestRevokeRole(t *testing.T) {
	f := newFixture(t)
	_, _ = f.roles.Assign(t.Context(), "u1", "admin")
	_, _ = f.roles.Assign(t.Context(), "u1", "user")

	_, err := f.dispatch(t, workflow.SubjectRoleRevoke, workflow.RoleChange{SubjectID: "u1", Role: "admin"})
	require.NoError(t, err)

	out, ev := decodeLast[workflow.RoleChanged](t, f.pub)
	assert.Equal(t, workflow.SubjectRoleRevoked, out.Subject)
	assert.True(t, ev.Changed)
	assert.Equal(t, []string{"user"}, ev.Roles)

	_, err = f.dispatch(t, workflow.SubjectRoleRevoke, workflow.RoleChange{SubjectID: "u1", Role: "admin"})
	require.NoError(t, err)

	_, ev = decodeLast[workflow.RoleChanged](t, f.pub)
	assert.False(t, ev.Changed)
}

func TestRoleChange_Invalid(t *testing.T) {
	f := newFixture(t)

	for _, req := range []workflow.RoleChange{{Role: "admin"}, {SubjectID: "u1"}, {SubjectID: "u1", Role: "root"}} {
		_, err := f.dispatch(t, workflow.SubjectRoleAssign, req)
		require.Error(t, err)
		assert.True(t, berr.IsPermanent(err), "%+v: %v", req, err)
	}

	assert.Empty(t, f.pub.Published())
}

func TestCheckAccess(t *testing.T) {
	f := newFixture(t)
	_, _ = f.roles.Assign(t.Context(), "boss", "admin")

	cases := []struct {
		name    string
		req     workflow.AccessCheck
		allowed bool
		roles   []string
	}{
		{"default role reads", workflow.AccessCheck{RequestID: "r1", SubjectID: "anon", Action: "read", Resource: "doc/1"}, true, []string{"user"}},
		{"default role cannot write", workflow.AccessCheck{RequestID: "r2", SubjectID: "anon", Action: "write", Resource: "doc/1"}, false, []string{"user"}},
		{"admin writes", workflow.AccessCheck{RequestID: "r3", SubjectID: "boss", Action: "write", Resource: "doc/1"}, true, []string{"admin"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.dispatch(t, workflow.SubjectAccessCheck, c.req)
			require.NoError(t, err)

			out, d := decodeLast[workflow.AccessDecision](t, f.pub)
			assert.Equal(t, workflow.SubjectAccessResult, out.Subject)
			assert.Equal(t, c.req.RequestID, d.RequestID)
			assert.Equal(t, c.allowed, d.Allowed)
			assert.Equal(t, c.roles, d.Roles)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestCheckAccess_NoDefaultRole(t *testing.T) {
	f := newFixture(t, workflow.WithDefaultRole(""))

	in, err := f.dispatch(t, workflow.SubjectAccessCheck, workflow.AccessCheck{SubjectID: "anon", Action: "read"})
	require.NoError(t, err)

	_, d := decodeLast[workflow.AccessDecision](t, f.pub)
	assert.False(t, d.Allowed)
	assert.Equal(t, in.ID, d.RequestID, "request id falls back to message id")
	assert.Equal(t, []string{}, d.Roles)
}

func TestCheckAccess_Invalid(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatch(t, workflow.SubjectAccessCheck, workflow.AccessCheck{SubjectID: "u1"})
	require.Error(t, err)
	assert.True(t, berr.IsPermanent(err))

	msg := &cbus.Message{ID: "bad", Subject: workflow.SubjectAccessCheck, Type: workflow.SubjectAccessCheck, Data: []byte("{")}
	_, err = f.disp.Dispatch(t.Context(), msg)
	assert.ErrorIs(t, err, berr.ErrSerializationFailed)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *cbus.Message, cbus.PublishOptions) (cbus.Receipt, error) {
	return cbus.Receipt{}, errors.Join(berr.ErrPublishFailed, errors.New("nats timeout"))
}

func TestPublishFailureIsTransient(t *testing.T) {
	svc, err := workflow.New(memory.NewRoleStore(), failingPublisher{}, nil)
	require.NoError(t, err)

	msg, _ := cbus.NewMessage(workflow.SubjectRoleAssign, "", nil)

	err = svc.AssignRole(t.Context(), msg, workflow.RoleChange{SubjectID: "u1", Role: "user"})
	require.ErrorIs(t, err, berr.ErrPublishFailed)
	assert.False(t, berr.IsPermanent(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := workflow.New(nil, inmemory.New(), nil)
	require.Error(t, err)

	_, err = workflow.New(memory.NewRoleStore(), inmemory.New(), nil, workflow.WithDefaultRole("ghost"))
	require.Error(t, err)

	_, err = workflow.New(memory.NewRoleStore(), inmemory.New(), nil, workflow.WithPolicy(workflow.Policy{"x": {"bad"}}))
	require.Error(t, err)
}
