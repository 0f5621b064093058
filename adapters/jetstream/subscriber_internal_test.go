package jetstream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cbus "github.com/next-trace/scg-authz-service/contract/bus"
	berr "github.com/next-trace/scg-authz-service/contract/errors"
	"github.com/next-trace/scg-authz-service/dispatcher"
)

type fakeMsg struct {
	subject string
	data    []byte
	headers nats.Header
	meta    *jetstream.MsgMetadata
	metaErr error

	acked  bool
	nakIn  time.Duration
	naked  bool
	termed string
}

func (m *fakeMsg) Subject() string      { return m.subject }
func (m *fakeMsg) Data() []byte         { return m.data }
func (m *fakeMsg) Headers() nats.Header { return m.headers }

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) { return m.meta, m.metaErr }

func (m *fakeMsg) Ack() error { m.acked = true; return nil }

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.naked = true
	m.nakIn = d

	return nil
}

func (m *fakeMsg) TermWithReason(r string) error {
	m.termed = r
	return nil
}

func delivery(seq, attempt uint64, headers nats.Header) *fakeMsg {
	return &fakeMsg{
		subject: "authz.role.assign",
		data:    []byte(`{"subject_id":"u1"}`),
		headers: headers,
		meta: &jetstream.MsgMetadata{
			Stream:       "AUTHZ",
			Sequence:     jetstream.SequencePair{Stream: seq, Consumer: seq},
			NumDelivered: attempt,
		},
	}
}

type fakeDispatcher struct {
	mu   sync.Mutex
	got  []*cbus.Message
	ctxs []context.Context
	out  dispatcher.Outcome
	err  error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg *cbus.Message) (dispatcher.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.got = append(d.got, msg)
	d.ctxs = append(d.ctxs, ctx)

	return d.out, d.err
}

type ctxKey struct{}

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, h map[string]string) context.Context {
	return context.WithValue(ctx, ctxKey{}, h["traceparent"])
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestSubscriber(d Dispatcher, settled *[]Action) *Subscriber {
	return NewSubscriber(nil, d, quietLogger(),
		WithExtractor(stubExtractor{}),
		WithRedeliveryBackoff(Backoff{Base: time.Second, Max: 30 * time.Second, NoJitter: true}),
		WithSettleHook(func(_ *cbus.Message, _ dispatcher.Outcome, a Action) {
			*settled = append(*settled, a)
		}),
	)
}

var testSpec = ConsumerSpec{Stream: "AUTHZ", Durable: "authz-workflows", AckWait: time.Second, MaxDeliver: 3}

func TestHandle_AckOnSuccess(t *testing.T) {
	var settled []Action

	d := &fakeDispatcher{}
	s := newTestSubscriber(d, &settled)

	h := nats.Header{}
	h.Set(cbus.HeaderMsgID, "m-1")
	h.Set(cbus.HeaderType, "authz.role.assign")
	h.Set("traceparent", "tp")

	m := delivery(7, 1, h)
	s.handle(t.Context(), testSpec, m)

	require.True(t, m.acked)
	require.Len(t, d.got, 1)

	got := d.got[0]
	assert.Equal(t, "m-1", got.ID)
	assert.Equal(t, cbus.Delivery{Stream: "AUTHZ", Consumer: "authz-workflows", Sequence: 7, Attempt: 1}, got.Delivery)
	assert.Equal(t, "tp", d.ctxs[0].Value(ctxKey{}))

	_, hasDeadline := d.ctxs[0].Deadline()
	assert.True(t, hasDeadline, "handler context bounded by ack wait")
	assert.Equal(t, []Action{ActionAck}, settled)
}

func TestHandle_FallbackID(t *testing.T) {
	var settled []Action

	d := &fakeDispatcher{}
	s := newTestSubscriber(d, &settled)

	s.handle(t.Context(), testSpec, delivery(42, 1, nil))

	require.Len(t, d.got, 1)
	assert.Equal(t, "AUTHZ:42", d.got[0].ID)
	assert.Equal(t, "authz.role.assign", d.got[0].Type)
}

func TestHandle_TransientNaksWithBackoff(t *testing.T) {
	var settled []Action

	d := &fakeDispatcher{err: errors.New("db locked")}
	s := newTestSubscriber(d, &settled)

	m := delivery(1, 2, nil)
	s.handle(t.Context(), testSpec, m)

	assert.True(t, m.naked)
	assert.Equal(t, 2*time.Second, m.nakIn)
	assert.False(t, m.acked)
	assert.Empty(t, m.termed)
	assert.Equal(t, []Action{ActionNak}, settled)
}

func TestHandle_TermAtMaxDeliver(t *testing.T) {
	var settled []Action

	d := &fakeDispatcher{err: errors.New("db locked")}
	s := newTestSubscriber(d, &settled)

	m := delivery(1, 3, nil)
	s.handle(t.Context(), testSpec, m)

	assert.False(t, m.naked)
	assert.Equal(t, "db locked", m.termed)
	assert.Equal(t, []Action{ActionTerm}, settled)
}

func TestHandle_PermanentTerminates(t *testing.T) {
	cases := map[string]error{
		"permanent":     berr.Permanent(errors.New("bad role")),
		"no handler":    berr.ErrHandlerNotFound,
		"serialization": errors.Join(berr.ErrSerializationFailed, errors.New("eof")),
	}

	for name, cause := range cases {
		t.Run(name, func(t *testing.T) {
			var settled []Action

			s := newTestSubscriber(&fakeDispatcher{err: cause}, &settled)

			m := delivery(1, 1, nil)
			s.handle(t.Context(), testSpec, m)

			assert.NotEmpty(t, m.termed)
			assert.False(t, m.naked)
			assert.Equal(t, []Action{ActionTerm}, settled)
		})
	}
}

func TestHandle_DuplicateIsAcked(t *testing.T) {
	var outcomes []dispatcher.Outcome

	s := NewSubscriber(nil, &fakeDispatcher{out: dispatcher.Duplicate}, quietLogger(),
		WithSettleHook(func(_ *cbus.Message, o dispatcher.Outcome, _ Action) { outcomes = append(outcomes, o) }))

	m := delivery(1, 2, nil)
	s.handle(t.Context(), testSpec, m)

	assert.True(t, m.acked)
	assert.Equal(t, []dispatcher.Outcome{dispatcher.Duplicate}, outcomes)
}

func TestHandle_MetadataErrorTerminates(t *testing.T) {
	var settled []Action

	d := &fakeDispatcher{}
	s := newTestSubscriber(d, &settled)

	m := &fakeMsg{subject: "authz.x", metaErr: jetstream.ErrNotJSMessage}
	s.handle(t.Context(), testSpec, m)

	assert.Empty(t, d.got)
	assert.Contains(t, m.termed, "metadata")
	assert.Equal(t, []Action{ActionTerm}, settled)
}

func TestReasonTruncated(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}

	assert.Len(t, reason(errors.New(string(long))), 256)
	assert.Empty(t, reason(nil))
}

func TestReasonKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; byte 256 falls in the middle of one
	msg := "x" + strings.Repeat("é", 300)

	r := reason(errors.New(msg))
	assert.True(t, utf8.ValidString(r))
	assert.Len(t, r, 255)
	assert.True(t, strings.HasPrefix(msg, r))

	short := strings.Repeat("é", 10)
	assert.Equal(t, short, reason(errors.New(short)))
}

func TestConsumerSpecConfig(t *testing.T) {
	one := ConsumerSpec{Durable: "d", FilterSubjects: []string{"authz.>"}, MaxDeliver: 5}.config()
	assert.Equal(t, "authz.>", one.FilterSubject)
	assert.Empty(t, one.FilterSubjects)
	assert.Equal(t, jetstream.AckExplicitPolicy, one.AckPolicy)
	assert.Equal(t, 5, one.MaxDeliver)

	many := ConsumerSpec{Durable: "d", FilterSubjects: []string{"a.>", "b.>"}}.config()
	assert.Empty(t, many.FilterSubject)
	assert.Equal(t, []string{"a.>", "b.>"}, many.FilterSubjects)
}

type fakeConsumeContext struct {
	jetstream.ConsumeContext
	closed  chan struct{}
	drained bool
}

func (c *fakeConsumeContext) Drain() {
	c.drained = true
	close(c.closed)
}

func (c *fakeConsumeContext) Stop() {}

func (c *fakeConsumeContext) Closed() <-chan struct{} { return c.closed }

type fakeConsumer struct {
	jetstream.Consumer
	handler jetstream.MessageHandler
	cc      *fakeConsumeContext
}

func (c *fakeConsumer) Consume(h jetstream.MessageHandler, _ ...jetstream.PullConsumeOpt) (jetstream.ConsumeContext, error) {
	c.handler = h
	c.cc = &fakeConsumeContext{closed: make(chan struct{})}

	return c.cc, nil
}

type fakeSource struct {
	cfgs      []jetstream.ConsumerConfig
	consumers []*fakeConsumer
	err       error
}

func (f *fakeSource) CreateOrUpdateConsumer(
	_ context.Context,
	_ string,
	cfg jetstream.ConsumerConfig,
) (jetstream.Consumer, error) {
	if f.err != nil {
		return nil, f.err
	}

	f.cfgs = append(f.cfgs, cfg)
	c := &fakeConsumer{}
	f.consumers = append(f.consumers, c)

	return c, nil
}

func TestStartAndStop(t *testing.T) {
	src := &fakeSource{}
	s := NewSubscriber(src, &fakeDispatcher{}, quietLogger())

	other := ConsumerSpec{Stream: "AUTHZ", Durable: "audit", FilterSubjects: []string{"authz.role.*"}}
	require.NoError(t, s.Start(t.Context(), testSpec, other))
	require.Len(t, src.cfgs, 2)
	assert.Equal(t, "audit", src.cfgs[1].Durable)

	s.Stop()

	for _, c := range src.consumers {
		assert.True(t, c.cc.drained)
	}
}

func TestStartErrors(t *testing.T) {
	s := NewSubscriber(nil, &fakeDispatcher{}, quietLogger())
	require.ErrorIs(t, s.Start(t.Context(), testSpec), berr.ErrTransportNotConfigured)

	s = NewSubscriber(&fakeSource{}, &fakeDispatcher{}, quietLogger())
	require.ErrorIs(t, s.Start(t.Context(), ConsumerSpec{Stream: "AUTHZ"}), berr.ErrInvalidMessage)

	boom := errors.New("boom")
	s = NewSubscriber(&fakeSource{err: boom}, &fakeDispatcher{}, quietLogger())
	require.ErrorIs(t, s.Start(t.Context(), testSpec), boom)
}
