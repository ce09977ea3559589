package events

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	msgs []message
	err  error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject: subject, data: data})
	return nil
}

type fakeInvalidator struct{ calls []string }

func (f *fakeInvalidator) InvalidateRequest(orgID, id string) {
	f.calls = append(f.calls, "request:"+orgID+":"+id)
}
func (f *fakeInvalidator) InvalidateSteps(orgID, workflowID string) {
	f.calls = append(f.calls, "steps:"+orgID+":"+workflowID)
}
func (f *fakeInvalidator) InvalidateOrganization(orgID string) {
	f.calls = append(f.calls, "org:"+orgID)
}

func TestPublisher_RequestDecided(t *testing.T) {
	conn := &fakeConn{}
	p := NewPublisher(conn, NewSubjects("workflows"), "replica-a", zerolog.Nop())

	p.RequestDecided(context.Background(), "org-1", "req-1", "wf-1", "user-1", map[string]any{"decision": "approved"})

	require.Len(t, conn.msgs, 1)
	assert.Equal(t, "workflows.request.decided", conn.msgs[0].subject)
	var ev Event
	require.NoError(t, json.Unmarshal(conn.msgs[0].data, &ev))
	assert.Equal(t, TypeRequestDecided, ev.Type)
	assert.Equal(t, "req-1", ev.RequestID)
	assert.Equal(t, "approved", ev.Payload["decision"])
}

func TestPublisher_FailuresAreSwallowed(t *testing.T) {
	p := NewPublisher(&fakeConn{err: fmt.Errorf("no responders")}, NewSubjects("wf"), "a", zerolog.Nop())
	p.StepsSaved(context.Background(), "org-1", "wf-1", "user-1", nil)

	var nilPub *Publisher
	nilPub.Invalidate(context.Background(), "org-1", KindRequest, "req-1")

	NewPublisher(nil, NewSubjects("wf"), "a", zerolog.Nop()).Invalidate(context.Background(), "org-1", KindSteps, "wf-1")
}

func TestInvalidationRoundTrip(t *testing.T) {
	conn := &fakeConn{}
	subjects := NewSubjects("workflows")
	p := NewPublisher(conn, subjects, "replica-a", zerolog.Nop())
	p.Invalidate(context.Background(), "org-1", KindRequest, "req-1")
	p.Invalidate(context.Background(), "org-1", KindSteps, "wf-1")
	p.Invalidate(context.Background(), "org-2", "all", "")

	inv := &fakeInvalidator{}
	remote := NewSubscriber("replica-b", inv, zerolog.Nop())
	self := NewSubscriber("replica-a", &fakeInvalidator{}, zerolog.Nop())
	for _, m := range conn.msgs {
		assert.Equal(t, "workflows.cache.invalidate", m.subject)
		remote.Handle(m.data)
		self.Handle(m.data)
	}

	assert.Equal(t, []string{"request:org-1:req-1", "steps:org-1:wf-1", "org:org-2"}, inv.calls)
	assert.Empty(t, self.cache.(*fakeInvalidator).calls)
}

func TestSubscriber_IgnoresMalformed(t *testing.T) {
	inv := &fakeInvalidator{}
	s := NewSubscriber("b", inv, zerolog.Nop())
	s.Handle([]byte("{"))
	s.Handle([]byte(`{"origin":"a","kind":"request","id":"x"}`))
	assert.Empty(t, inv.calls)
}
