package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-client/internal/mocks"
	"chat-client/internal/models"
	"chat-client/internal/telemetry"
	"chat-client/internal/timeline"
)

var fixedNow = time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)

func newTestReconciler(api *mocks.MessageAPIMock, opts Options) (*Reconciler, *timeline.Store) {
	store := timeline.NewStore(timeline.Options{Location: time.UTC})
	r := New(store, api, opts)
	r.now = func() time.Time { return fixedNow }
	return r, store
}

func TestSendConfirmsWithServerID(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	ch := new(mocks.ChannelMock)
	r, store := newTestReconciler(api, Options{})
	r.SetChannel(ch)

	localID := fmt.Sprint(fixedNow.UnixMilli())
	ch.On("Emit", mock.MatchedBy(func(ev models.ChannelEvent) bool {
		return ev.Type == models.EventSendMessage && ev.ConversationID == "c1" && ev.Message.ID == localID
	})).Return(nil).Once()
	api.On("PostMessage", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ID == localID && m.Content == "hello"
	})).Run(func(args mock.Arguments) {
		entry, ok := store.Get(localID)
		assert.True(t, ok, "optimistic entry visible while submitting")
		assert.Equal(t, models.Pending, entry.DeliveryState)
	}).Return(models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hello", Timestamp: fixedNow}, nil).Once()

	got, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", got.ID)
	assert.Equal(t, models.Confirmed, got.DeliveryState)

	require.Equal(t, 1, store.Len())
	entry, ok := store.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, models.Confirmed, entry.DeliveryState)
	_, ok = store.Get(localID)
	assert.False(t, ok)

	api.AssertExpectations(t)
	ch.AssertExpectations(t)
}

func TestSendFailureRollsBack(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	pub := new(mocks.PublisherMock)
	events := telemetry.NewEmitter(pub, "chat.client", "chat-client", "dev")
	r, store := newTestReconciler(api, Options{Events: events})

	api.On("PostMessage", mock.Anything, mock.Anything).
		Return(models.Message{}, fmt.Errorf("%w: deadline", models.ErrTimeout)).Once()
	pub.On("Publish", mock.Anything, "chat.client.message_failed", mock.Anything).Return(nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTimeout))

	assert.Equal(t, 0, store.Len())
	failed := r.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "hello", failed[0].Content)
	assert.Equal(t, models.Failed, failed[0].DeliveryState)

	pub.AssertExpectations(t)
}

func TestSendRejectsEmptyContent(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, store := newTestReconciler(api, Options{})

	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := r.Send(context.Background(), "c1", "u1", content)
		assert.ErrorIs(t, err, models.ErrEmptyMessage)
	}
	assert.Equal(t, 0, store.Len())
	api.AssertNotCalled(t, "PostMessage", mock.Anything, mock.Anything)
}

func TestBroadcastFailureDoesNotBlockSubmit(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	ch := new(mocks.ChannelMock)
	r, store := newTestReconciler(api, Options{})
	r.SetChannel(ch)

	ch.On("Emit", mock.Anything).Return(models.ErrChannelDisconnected).Once()
	api.On("PostMessage", mock.Anything, mock.Anything).Return(models.Message{ID: "srv-1"}, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
	_, ok := store.Get("srv-1")
	assert.True(t, ok)
}

func TestEchoDuringSubmitLeavesOneEntry(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, store := newTestReconciler(api, Options{})

	echo := models.Message{ID: "srv-1", ConversationID: "c1", SenderID: "u1", Content: "hello", Timestamp: fixedNow.Add(time.Second)}
	api.On("PostMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		assert.True(t, r.HandleEcho(echo))
		assert.False(t, store.InsertOrMerge(echo))
	}).Return(echo, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	entry, ok := store.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, models.Confirmed, entry.DeliveryState)
}

func TestEchoAfterSubmitFailureKeepsConfirmedEntry(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, store := newTestReconciler(api, Options{})

	echo := models.Message{ID: "srv-1", SenderID: "u1", Content: "hello", Timestamp: fixedNow}
	api.On("PostMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		r.HandleEcho(echo)
	}).Return(models.Message{}, models.ErrNetworkUnavailable).Once()

	sent, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", sent.ID)
	assert.Equal(t, models.Confirmed, sent.DeliveryState)
	assert.Empty(t, r.Failed())
	entry, ok := store.Get(sent.ID)
	require.True(t, ok)
	assert.Equal(t, models.Confirmed, entry.DeliveryState)
	assert.Equal(t, 1, store.Len())
}

func TestEchoWithProvisionalIDIsAbsorbed(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, _ := newTestReconciler(api, Options{})
	localID := fmt.Sprint(fixedNow.UnixMilli())

	api.On("PostMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		assert.True(t, r.HandleEcho(models.Message{ID: localID, SenderID: "u1", Content: "hello"}))
	}).Return(models.Message{ID: "srv-1"}, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
}

func TestEchoOutsideWindowIsNotClaimed(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, _ := newTestReconciler(api, Options{EchoWindow: time.Second})

	api.On("PostMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		late := models.Message{ID: "other", SenderID: "u1", Content: "hello", Timestamp: fixedNow.Add(time.Minute)}
		assert.False(t, r.HandleEcho(late))
		stranger := models.Message{ID: "other-2", SenderID: "u2", Content: "hello", Timestamp: fixedNow}
		assert.False(t, r.HandleEcho(stranger))
	}).Return(models.Message{ID: "srv-1"}, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
}

func TestRetryResendsFailedMessage(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	r, store := newTestReconciler(api, Options{})

	api.On("PostMessage", mock.Anything, mock.Anything).Return(models.Message{}, models.ErrNetworkUnavailable).Once()
	api.On("PostMessage", mock.Anything, mock.Anything).Return(models.Message{ID: "srv-2"}, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "again")
	require.Error(t, err)
	failed := r.Failed()
	require.Len(t, failed, 1)

	got, err := r.Retry(context.Background(), failed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "srv-2", got.ID)
	assert.Empty(t, r.Failed())
	assert.Equal(t, 1, store.Len())

	_, err = r.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrUnknownMessage)
}

func TestLocalIDsStrictlyIncrease(t *testing.T) {
	r, _ := newTestReconciler(new(mocks.MessageAPIMock), Options{})

	a := r.nextLocalID(fixedNow)
	b := r.nextLocalID(fixedNow)
	c := r.nextLocalID(fixedNow.Add(-time.Second))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestNotifyRunsOnMutations(t *testing.T) {
	api := new(mocks.MessageAPIMock)
	calls := 0
	r, _ := newTestReconciler(api, Options{Notify: func() { calls++ }})
	api.On("PostMessage", mock.Anything, mock.Anything).Return(models.Message{ID: "srv-1"}, nil).Once()

	_, err := r.Send(context.Background(), "c1", "u1", "hello")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
