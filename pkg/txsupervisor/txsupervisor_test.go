package txsupervisor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeParticipant struct {
	addr string

	mu      sync.Mutex
	invoked []Action
	err     error
}

func (p *fakeParticipant) Invoke(ctx context.Context, action Action, transactionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoked = append(p.invoked, action)
	return p.err
}

func (p *fakeParticipant) Address() string { return p.addr }

func TestBroadcastInvokesLocalHandlerAndAllParticipants(t *testing.T) {
	s := New()

	var localCalled bool
	s.RegisterAction(ActionCommit, func(ctx context.Context, txnID string) error {
		localCalled = true
		assert.Equal(t, "tx1", txnID)
		return nil
	})

	p1 := &fakeParticipant{addr: "p1"}
	p2 := &fakeParticipant{addr: "p2"}

	require.NoError(t, s.Broadcast(context.Background(), ActionCommit, "tx1", []Participant{p1, p2}))

	assert.True(t, localCalled)
	assert.Equal(t, []Action{ActionCommit}, p1.invoked)
	assert.Equal(t, []Action{ActionCommit}, p2.invoked)
}

func TestBroadcastReturnsErrorFromFailingParticipant(t *testing.T) {
	s := New()
	p1 := &fakeParticipant{addr: "p1", err: errors.New("unreachable")}

	err := s.Broadcast(context.Background(), ActionPrepare, "tx1", []Participant{p1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}

func TestBroadcastWithoutRegisteredHandlerOnlyCallsParticipants(t *testing.T) {
	s := New()
	p1 := &fakeParticipant{addr: "p1"}

	require.NoError(t, s.Broadcast(context.Background(), ActionAbort, "tx1", []Participant{p1}))
	assert.Equal(t, []Action{ActionAbort}, p1.invoked)
}

func TestBroadcastAbortDispatchesAbortAction(t *testing.T) {
	s := New()
	p1 := &fakeParticipant{addr: "p1"}

	require.NoError(t, s.BroadcastAbort(context.Background(), "tx1", []Participant{p1}))
	assert.Equal(t, []Action{ActionAbort}, p1.invoked)
}
