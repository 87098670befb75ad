package bargein

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/real-rm/voicebox/internal/message"
	"github.com/real-rm/voicebox/internal/session"
	"github.com/real-rm/voicebox/internal/testutil"
)

func newSessionWithAvatar(t *testing.T) (*session.Session, *testutil.FakeAvatar) {
	t.Helper()
	avatar := &testutil.FakeAvatar{Answer: "answer", DisconnectDelay: 20 * time.Millisecond}
	sess := session.New("alice", false)
	sess.Avatar = avatar

	_, _, err := avatar.Connect(context.Background(), "offer")
	require.NoError(t, err)
	sess.SetAvatarConnected()
	sess.AvatarReady.Set()
	return sess, avatar
}

func TestInterrupt_NoAvatar(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess := session.New("alice", false)
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	assert.True(t, sess.Cancel.IsSet())
	assert.Equal(t, []message.MessageType{message.TypeTTSStop}, sink.Types())
}

func TestInterrupt_ConnectedAvatar(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess, avatar := newSessionWithAvatar(t)
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	assert.True(t, sess.Cancel.IsSet())
	assert.False(t, sess.AvatarReady.IsSet(), "AvatarReady should be reset")
	assert.Equal(t, int32(1), avatar.StopCalls.Load())
	assert.Equal(t, int32(1), avatar.DisconnectCalls.Load())
	assert.False(t, avatar.IsConnected())

	require.Len(t, sink.Messages(), 2)
	assert.Equal(t, message.TypeTTSStop, sink.Messages()[0].MessageType())
	state, ok := sink.Messages()[1].(*message.AvatarStateMessage)
	require.True(t, ok)
	assert.Equal(t, message.AvatarDisconnected, state.State)
}

func TestInterrupt_AvatarNotConnected(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess := session.New("alice", false)
	avatar := &testutil.FakeAvatar{}
	sess.Avatar = avatar
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	assert.Equal(t, int32(0), avatar.StopCalls.Load())
	assert.Equal(t, int32(0), avatar.DisconnectCalls.Load())
	assert.Equal(t, []message.MessageType{message.TypeTTSStop}, sink.Types())
}

func TestInterrupt_AbortsPendingHandshake(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess := session.New("alice", false)
	avatar := &testutil.FakeAvatar{}
	sess.Avatar = avatar
	sess.BeginAvatarHandshake()
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	assert.False(t, sess.AvatarActive())
	assert.False(t, sess.CompleteAvatarHandshake(), "the handshake result must be discarded")
	assert.Equal(t, int32(0), avatar.DisconnectCalls.Load(), "the offer handler owns the teardown")
	assert.Equal(t, []message.MessageType{message.TypeTTSStop}, sink.Types())
}

func TestInterrupt_ConcurrentDisconnectOnce(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess, avatar := newSessionWithAvatar(t)
	sink := testutil.NewRecordingSink()

	const callers = 20
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Interrupt(context.Background(), sess, sink)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), avatar.DisconnectCalls.Load())
	assert.Equal(t, int32(1), avatar.StopCalls.Load())
	assert.Equal(t, callers, sink.Count(message.TypeTTSStop))
	assert.Equal(t, 1, sink.Count(message.TypeAvatarState))
}

func TestInterrupt_ReconnectedAvatarDisconnectsAgain(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess, avatar := newSessionWithAvatar(t)
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	_, _, err := avatar.Connect(context.Background(), "offer-2")
	require.NoError(t, err)
	sess.SetAvatarConnected()

	c.Interrupt(context.Background(), sess, sink)
	assert.Equal(t, int32(2), avatar.DisconnectCalls.Load())
}

func TestInterrupt_StopErrorStillDisconnects(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess, avatar := newSessionWithAvatar(t)
	avatar.StopErr = errors.New("stop failed")
	sink := testutil.NewRecordingSink()

	c.Interrupt(context.Background(), sess, sink)

	assert.Equal(t, int32(1), avatar.DisconnectCalls.Load())
	assert.Equal(t, 1, sink.Count(message.TypeAvatarState))
}

func TestInterrupt_CancelledContextStillTearsDown(t *testing.T) {
	c := New(testutil.CreateTestLogger(t))
	sess, avatar := newSessionWithAvatar(t)
	sink := testutil.NewRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Interrupt(ctx, sess, sink)

	assert.True(t, sess.Cancel.IsSet())
	assert.Equal(t, int32(1), avatar.DisconnectCalls.Load())
	assert.Empty(t, sink.Messages(), "a cancelled sink context delivers nothing")
}
