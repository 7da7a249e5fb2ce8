package signaling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audial/callrelay/internal/metrics"
	"github.com/audial/callrelay/internal/push"
)

// forwardFixture logs in caller "1", trusted "2" and target "3".
func forwardFixture(t *testing.T, cfg HubConfig) (*hubFixture, *fakePeer, *fakePeer, *fakePeer) {
	t.Helper()
	f := newHubFixture(t, cfg)
	caller := f.login(t, "1", "alice")
	trusted := f.login(t, "2", "trent")
	target := f.login(t, "3", "tina")
	f.resetAll()
	return f, caller, trusted, target
}

func openForward(t *testing.T, f *hubFixture, trusted *fakePeer) forwardRequestEvent {
	t.Helper()
	require.NoError(t, f.send(t, "1", EventForwardCall, forwardCallRequest{TrustedID: "2", TargetID: "3", TargetName: "tina"}))
	reqs := trusted.eventsNamed(EventForwardRequest)
	require.Len(t, reqs, 1)
	trusted.reset()
	return decode[forwardRequestEvent](t, reqs[0])
}

func TestForward_RequestReachesTrustedOnly(t *testing.T) {
	f, caller, trusted, target := forwardFixture(t, HubConfig{})
	fr := openForward(t, f, trusted)

	assert.NotEmpty(t, fr.RequestID)
	assert.Equal(t, forwardRequestEvent{
		RequestID:   fr.RequestID,
		CallerID:    "1",
		CallerName:  "alice",
		TargetID:    "3",
		TargetName:  "tina",
		TrustedName: "trent",
	}, fr)
	assert.Empty(t, target.events())
	assert.Empty(t, caller.events())

	pushes := f.notifier.all()
	require.Len(t, pushes, 1)
	assert.Equal(t, "trent", pushes[0].Username)
	assert.Equal(t, push.KindForwardRequest, pushes[0].Note.Kind)
	assert.Equal(t, fr.RequestID, pushes[0].Note.Data["requestId"])
	assert.Equal(t, "alice", pushes[0].Note.Data["callerName"])
	assert.Equal(t, "3", pushes[0].Note.Data["targetId"])
}

func TestForward_RequiresBothTrustedAndTarget(t *testing.T) {
	f, _, trusted, _ := forwardFixture(t, HubConfig{})

	require.NoError(t, f.send(t, "1", EventForwardCall, forwardCallRequest{TrustedID: "2", TargetID: "ghost"}))
	require.NoError(t, f.send(t, "1", EventForwardCall, forwardCallRequest{TrustedID: "ghost", TargetID: "3"}))
	assert.Empty(t, trusted.events())
	assert.Empty(t, f.notifier.all())
	assert.Equal(t, uint64(2), f.metrics.Get(metrics.DropUnresolved))
}

func TestForward_AcceptNotifiesCaller(t *testing.T) {
	f, caller, trusted, target := forwardFixture(t, HubConfig{})
	fr := openForward(t, f, trusted)

	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{
		RequestID: fr.RequestID, TargetID: "3", TargetName: "tina", CallerID: "1",
	}))

	approved := caller.eventsNamed(EventForwardApproved)
	require.Len(t, approved, 1)
	assert.Equal(t, forwardApprovedEvent{
		RequestID:   fr.RequestID,
		TargetID:    "3",
		TargetName:  "tina",
		TrustedName: "trent",
	}, decode[forwardApprovedEvent](t, approved[0]))
	assert.Empty(t, target.events())
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.ForwardApproved))

	// A replayed accept is dropped.
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
	assert.Len(t, caller.eventsNamed(EventForwardApproved), 1)
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.ForwardInvalid))
}

func TestForward_RejectNotifiesCaller(t *testing.T) {
	f, caller, trusted, _ := forwardFixture(t, HubConfig{})
	fr := openForward(t, f, trusted)

	require.NoError(t, f.send(t, "2", EventForwardReject, forwardRejectRequest{RequestID: fr.RequestID, CallerID: "1"}))
	rejected := caller.eventsNamed(EventForwardRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, fr.RequestID, decode[forwardRejectedEvent](t, rejected[0]).RequestID)

	// Accept after reject is stale.
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
	assert.Empty(t, caller.eventsNamed(EventForwardApproved))
}

func TestForward_SpoofedResponsesAreDropped(t *testing.T) {
	f, caller, trusted, _ := forwardFixture(t, HubConfig{})
	fr := openForward(t, f, trusted)

	// Only the trusted party may answer.
	require.NoError(t, f.send(t, "3", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
	require.NoError(t, f.send(t, "1", EventForwardReject, forwardRejectRequest{RequestID: fr.RequestID}))
	// Echoed correlation data must match the record.
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID, TargetID: "1"}))
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID, CallerID: "3"}))
	require.NoError(t, f.send(t, "2", EventForwardReject, forwardRejectRequest{RequestID: fr.RequestID, CallerID: "3"}))
	// Unknown ids.
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: "made-up"}))

	assert.Empty(t, caller.events())
	assert.Equal(t, uint64(6), f.metrics.Get(metrics.ForwardInvalid))

	// The genuine answer still works.
	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
	assert.Len(t, caller.eventsNamed(EventForwardApproved), 1)
}

func TestForward_DisconnectAbandonsRequest(t *testing.T) {
	for _, gone := range []string{"1", "3"} {
		t.Run("gone="+gone, func(t *testing.T) {
			f, caller, trusted, _ := forwardFixture(t, HubConfig{})
			fr := openForward(t, f, trusted)

			f.hub.Unregister(gone)
			caller.reset()
			require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
			assert.Empty(t, caller.eventsNamed(EventForwardApproved))
			assert.Equal(t, uint64(1), f.metrics.Get(metrics.ForwardAbandoned))
		})
	}
}

func TestForward_RequestExpires(t *testing.T) {
	f, caller, trusted, _ := forwardFixture(t, HubConfig{ForwardRequestTTL: time.Minute})
	fr := openForward(t, f, trusted)

	f.clock.Add(2 * time.Minute)
	require.Eventually(t, func() bool {
		return f.metrics.Get(metrics.ForwardExpired) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.send(t, "2", EventForwardAccept, forwardAcceptRequest{RequestID: fr.RequestID}))
	assert.Empty(t, caller.eventsNamed(EventForwardApproved))
}
