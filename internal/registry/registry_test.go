package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/domain"
)

type nopHandle struct{}

func (nopHandle) Execute(context.Context, Invocation) (Output, error)  { return Output{}, nil }
func (nopHandle) Receive(context.Context, domain.QueuedMessage) error { return nil }
func (nopHandle) Probe(context.Context) error                         { return nil }

func TestRegisterLookupDeregister(t *testing.T) {
	r := New()

	_, ok := r.Lookup("a")
	assert.False(t, ok)

	r.Register("b", nopHandle{})
	r.Register("a", nopHandle{})

	h, ok := r.Lookup("a")
	require.True(t, ok)
	assert.NotNil(t, h)
	since, ok := r.ConnectedSince("a")
	require.True(t, ok)
	assert.False(t, since.IsZero())
	assert.Equal(t, []string{"a", "b"}, r.IDs())

	assert.True(t, r.Deregister("a"))
	assert.False(t, r.Deregister("a"))
	_, ok = r.Lookup("a")
	assert.False(t, ok)
}

func TestMailboxBoundsAndClose(t *testing.T) {
	m := NewMailbox(1)

	require.NoError(t, m.Deliver(domain.QueuedMessage{ID: "1"}))
	assert.ErrorIs(t, m.Deliver(domain.QueuedMessage{ID: "2"}), ErrMailboxFull)
	assert.Equal(t, 1, m.Len())

	got := <-m.C()
	assert.Equal(t, "1", got.ID)

	m.Close()
	m.Close()
	assert.ErrorIs(t, m.Deliver(domain.QueuedMessage{ID: "3"}), ErrMailboxClosed)
}
