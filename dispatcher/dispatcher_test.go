package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	"github.com/next-trace/scg-authz-service/dispatcher"
)

type assignRole struct {
	SubjectID string `json:"subject_id"`
	Role      string `json:"role"`
}

type assignHandler struct{ seen *[]assignRole }

func (h assignHandler) Handle(ctx context.Context, msg *cbus.Message, e assignRole) error {
	*h.seen = append(*h.seen, e)
	return nil
}

// fakes

type fakeStore struct {
	mu     sync.Mutex
	keys   map[string]time.Time
	getErr error
	putErr error
}

func newFakeStore() *fakeStore { return &fakeStore{keys: make(map[string]time.Time)} }

func (f *fakeStore) Processed(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return false, f.getErr
	}

	_, ok := f.keys[key]

	return ok, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, key string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putErr != nil {
		return f.putErr
	}

	f.keys[key] = at

	return nil
}

func msg(subject, typ, id string) *cbus.Message {
	return &cbus.Message{ID: id, Subject: subject, Type: typ, Data: []byte(`{"subject_id":"u-1","role":"admin"}`)}
}

func noop(ctx context.Context, m *cbus.Message) error { return nil }

func Test_BindAndErrors(t *testing.T) {
	d := dispatcher.New(nil, nil)
	if err := d.BindType("authz.role.assign", cbus.HandlerFunc(noop)); err != nil {
		t.Fatalf("bind type: %v", err)
	}

	err := d.BindType("authz.role.assign", cbus.HandlerFunc(noop))
	if !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists, got %v", err)
	}

	if err := d.BindSubject("authz.*.x", cbus.HandlerFunc(noop)); err != nil {
		t.Fatalf("bind subject: %v", err)
	}

	if err := d.BindSubject("authz.*.x", cbus.HandlerFunc(noop)); !errors.Is(err, berr.ErrHandlerExists) {
		t.Fatalf("want ErrHandlerExists for pattern, got %v", err)
	}

	if err := d.BindSubject("authz.>.x", cbus.HandlerFunc(noop)); err == nil {
		t.Fatalf("expected invalid pattern error")
	}

	if err := d.BindType("", cbus.HandlerFunc(noop)); err == nil {
		t.Fatalf("expected error for empty type")
	}

	_, err = d.Dispatch(t.Context(), msg("other.subject", "other", "1"))
	if !errors.Is(err, berr.ErrHandlerNotFound) {
		t.Fatalf("want ErrHandlerNotFound, got %v", err)
	}

	if !berr.IsPermanent(err) {
		t.Fatalf("missing handler must be permanent")
	}

	if _, err := d.Dispatch(t.Context(), nil); !errors.Is(err, berr.ErrInvalidMessage) {
		t.Fatalf("want ErrInvalidMessage, got %v", err)
	}
}

func Test_Route_TypeBeforePattern(t *testing.T) {
	d := dispatcher.New(nil, nil)

	var calls []string

	record := func(name string) cbus.HandlerFunc {
		return func(ctx context.Context, m *cbus.Message) error {
			calls = append(calls, name)
			return nil
		}
	}

	_ = d.BindSubject("authz.>", record("wide"))
	_ = d.BindSubject("authz.role.*", record("narrow"))
	_ = d.BindType("role.assign", record("exact"))

	for _, m := range []*cbus.Message{
		msg("authz.role.assign", "role.assign", "1"),
		msg("authz.role.assign", "authz.role.assign", "2"),
		msg("authz.access.check", "authz.access.check", "3"),
	} {
		if _, err := d.Dispatch(t.Context(), m); err != nil {
			t.Fatalf("dispatch %s: %v", m.ID, err)
		}
	}

	want := []string{"exact", "wide", "wide"}
	if len(calls) != len(want) {
		t.Fatalf("calls=%v", calls)
	}

	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls=%v want=%v", calls, want)
		}
	}
}

func Test_TypedBind(t *testing.T) {
	d := dispatcher.New(nil, nil)

	var seen []assignRole
	if err := dispatcher.Bind[assignRole](d, "authz.role.assign", assignHandler{seen: &seen}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	if _, err := d.Dispatch(t.Context(), msg("authz.role.assign", "authz.role.assign", "1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(seen) != 1 || seen[0].Role != "admin" {
		t.Fatalf("seen=%+v", seen)
	}

	bad := msg("authz.role.assign", "authz.role.assign", "2")
	bad.Data = []byte(`{"role": 5}`)

	_, err := d.Dispatch(t.Context(), bad)
	if !errors.Is(err, berr.ErrSerializationFailed) || !berr.IsPermanent(err) {
		t.Fatalf("want permanent serialization error, got %v", err)
	}

	if !errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("a number where the handler expects a string is a type mismatch, got %v", err)
	}

	for _, data := range []string{`[1,2]`, `"admin"`} {
		wrong := msg("authz.role.assign", "authz.role.assign", "wrong-"+data)
		wrong.Data = []byte(data)

		if _, err := d.Dispatch(t.Context(), wrong); !errors.Is(err, berr.ErrHandlerTypeMismatch) {
			t.Fatalf("payload %s: want type mismatch, got %v", data, err)
		}
	}

	broken := msg("authz.role.assign", "authz.role.assign", "broken")
	broken.Data = []byte(`{"role":`)

	_, err = d.Dispatch(t.Context(), broken)
	if !errors.Is(err, berr.ErrSerializationFailed) || errors.Is(err, berr.ErrHandlerTypeMismatch) {
		t.Fatalf("malformed JSON is a serialization failure only, got %v", err)
	}

	fn := dispatcher.EventHandlerFunc[assignRole](func(ctx context.Context, m *cbus.Message, e assignRole) error {
		return errors.New("db down")
	})
	if err := dispatcher.Bind[assignRole](d, "authz.role.revoke", fn); err != nil {
		t.Fatalf("bind func: %v", err)
	}

	_, err = d.Dispatch(t.Context(), msg("authz.role.revoke", "authz.role.revoke", "3"))
	if err == nil || berr.IsPermanent(err) {
		t.Fatalf("handler error must surface as transient, got %v", err)
	}
}

func Test_MiddlewareOrder(t *testing.T) {
	var order []string

	mw := func(name string) cbus.Middleware {
		return func(next cbus.HandlerFunc) cbus.HandlerFunc {
			return func(ctx context.Context, m *cbus.Message) error {
				order = append(order, name)
				return next(ctx, m)
			}
		}
	}

	d := dispatcher.New(nil, nil, dispatcher.WithMiddleware(mw("a"), mw("b")))
	d.Use(mw("c"))

	_ = d.BindType("t", cbus.HandlerFunc(func(ctx context.Context, m *cbus.Message) error {
		order = append(order, "handler")
		return nil
	}))

	if _, err := d.Dispatch(t.Context(), msg("s", "t", "1")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []string{"a", "b", "c", "handler"}
	for i := range want {
		if i >= len(order) || order[i] != want[i] {
			t.Fatalf("order=%v want=%v", order, want)
		}
	}
}

func Test_IdempotentDispatch(t *testing.T) {
	store := newFakeStore()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := dispatcher.New(store, nil, dispatcher.WithClock(func() time.Time { return at }))

	calls := 0
	fail := true

	_ = d.BindType("t", cbus.HandlerFunc(func(ctx context.Context, m *cbus.Message) error {
		calls++
		if fail {
			return errors.New("transient")
		}

		return nil
	}))

	m := msg("s", "t", "id-1")
	m.Delivery.Consumer = "workers"

	if _, err := d.Dispatch(t.Context(), m); err == nil {
		t.Fatalf("expected failure")
	}

	if len(store.keys) != 0 {
		t.Fatalf("failed delivery must not be recorded")
	}

	fail = false

	out, err := d.Dispatch(t.Context(), m)
	if err != nil || out != dispatcher.Handled {
		t.Fatalf("out=%v err=%v", out, err)
	}

	if got, ok := store.keys["workers/id-1"]; !ok || !got.Equal(at) {
		t.Fatalf("keys=%v", store.keys)
	}

	out, err = d.Dispatch(t.Context(), m)
	if err != nil || out != dispatcher.Duplicate {
		t.Fatalf("want duplicate, out=%v err=%v", out, err)
	}

	if calls != 2 {
		t.Fatalf("calls=%d", calls)
	}

	// no ID: nothing to deduplicate on
	anon := msg("s", "t", "")
	_, _ = d.Dispatch(t.Context(), anon)
	_, _ = d.Dispatch(t.Context(), anon)

	if calls != 4 {
		t.Fatalf("anonymous messages are always handled, calls=%d", calls)
	}
}

func Test_StoreErrors(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("locked")
	d := dispatcher.New(store, nil)
	_ = d.BindType("t", cbus.HandlerFunc(noop))

	if _, err := d.Dispatch(t.Context(), msg("s", "t", "1")); !errors.Is(err, store.getErr) {
		t.Fatalf("want lookup error, got %v", err)
	}

	store.getErr = nil
	store.putErr = errors.New("disk full")

	if out, err := d.Dispatch(t.Context(), msg("s", "t", "2")); err != nil || out != dispatcher.Handled {
		t.Fatalf("marker failure must not fail a handled message: out=%v err=%v", out, err)
	}
}

func Test_Recover(t *testing.T) {
	d := dispatcher.New(nil, nil, dispatcher.WithMiddleware(dispatcher.Recover(nil), dispatcher.Logging(nil)))
	_ = d.BindType("t", cbus.HandlerFunc(func(ctx context.Context, m *cbus.Message) error {
		panic("boom")
	}))

	_, err := d.Dispatch(t.Context(), msg("s", "t", "1"))
	if !berr.IsPermanent(err) {
		t.Fatalf("panic must become a permanent error, got %v", err)
	}
}

func Test_ConcurrentDispatch(t *testing.T) {
	store := newFakeStore()
	d := dispatcher.New(store, nil)

	var mu sync.Mutex
	calls := 0

	_ = d.BindSubject("authz.>", cbus.HandlerFunc(func(ctx context.Context, m *cbus.Message) error {
		mu.Lock()
		calls++
		mu.Unlock()

		return nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			m := msg("authz.x", "authz.x", "")
			m.ID = fmt.Sprintf("id-%d", i)
			_, _ = d.Dispatch(context.Background(), m)
		}(i)
	}

	wg.Wait()

	if calls != 50 || len(store.keys) != 50 {
		t.Fatalf("calls=%d keys=%d", calls, len(store.keys))
	}
}
