package service

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/channel"
	"otp-service/internal/channel/channeltest"
	"otp-service/internal/config"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		Channels: config.ChannelsConfig{
			WhatsApp: config.ChannelPolicy{CodeLength: 4, TTL: 5 * time.Minute},
			SMS:      config.ChannelPolicy{CodeLength: 6, TTL: 5 * time.Minute},
			Email:    config.ChannelPolicy{CodeLength: 6, TTL: 10 * time.Minute},
		},
	}
}

func newTestService(t *testing.T) (*VerificationService, *store.MemoryStore, *channeltest.Recorder) {
	t.Helper()

	recordStore := store.NewMemoryStore(4)
	recorder := channeltest.NewRecorder("sms")
	channels := map[store.Channel]channel.Channel{
		store.ChannelSMS: recorder,
	}

	svc := NewVerificationService(recordStore, channels, nil, nil, testConfig(), util.Get())
	return svc, recordStore, recorder
}

func TestSendCodeDeliversAndStores(t *testing.T) {
	svc, recordStore, recorder := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.SendCode(ctx, "+1 555-000-1111", store.ChannelSMS, "Priya")
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	sent := recorder.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+15550001111", sent[0].Destination, "identifier separators stripped")
	assert.Regexp(t, regexp.MustCompile(`^\d{6} is your FuelFriendly verification code`), sent[0].Body)

	rec, err := recordStore.Get(ctx, "+15550001111")
	require.NoError(t, err)
	assert.Equal(t, store.ChannelSMS, rec.Channel)
	assert.Len(t, rec.Code, 6)
}

func TestSendCodeRollsBackOnDeliveryFailure(t *testing.T) {
	svc, recordStore, recorder := newTestService(t)
	ctx := context.Background()

	recorder.Err = channel.ErrDeliveryFailed

	outcome, err := svc.SendCode(ctx, "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.NotContains(t, outcome.Message, "ErrDeliveryFailed", "raw errors never surface")

	// No dangling record survives a failed send.
	_, err = recordStore.Get(ctx, "+15550001111")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendCodeReportsUnavailableChannel(t *testing.T) {
	svc, _, recorder := newTestService(t)
	recorder.Err = channel.ErrChannelUnavailable

	outcome, err := svc.SendCode(context.Background(), "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "unavailable")
}

func TestSendCodeRejectsBadInput(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.SendCode(ctx, "   ", store.ChannelSMS, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.SendCode(ctx, "+15550001111", store.Channel("pigeon"), "")
	assert.ErrorIs(t, err, ErrUnknownChannel)

	// Valid channel name, but no transport registered for it.
	_, err = svc.SendCode(ctx, "+15550001111", store.ChannelEmail, "")
	assert.ErrorIs(t, err, ErrUnknownChannel)
}

func TestVerifyCodeLifecycle(t *testing.T) {
	svc, recordStore, _ := newTestService(t)
	ctx := context.Background()

	outcome, err := svc.SendCode(ctx, "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	require.True(t, outcome.Success)

	rec, err := recordStore.Get(ctx, "+15550001111")
	require.NoError(t, err)

	wrong, err := svc.VerifyCode(ctx, "+15550001111", "000000")
	require.NoError(t, err)
	assert.False(t, wrong.Success)
	assert.Contains(t, wrong.Message, "Incorrect")

	right, err := svc.VerifyCode(ctx, "+15550001111", rec.Code)
	require.NoError(t, err)
	assert.True(t, right.Success)

	again, err := svc.VerifyCode(ctx, "+15550001111", rec.Code)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Contains(t, again.Message, "already been used")
}

func TestVerifyCodeWithoutSend(t *testing.T) {
	svc, _, recorder := newTestService(t)

	outcome, err := svc.VerifyCode(context.Background(), "+15550001111", "123456")
	require.NoError(t, err)
	assert.False(t, outcome.Success)
	assert.Contains(t, outcome.Message, "request a code")

	// Verifying never triggers a delivery.
	assert.Empty(t, recorder.Sent())
}

// gatedChannel blocks its first send until released, then fails it; later
// sends succeed immediately.
type gatedChannel struct {
	started chan struct{}
	release chan struct{}
	calls   int32
}

func newGatedChannel() *gatedChannel {
	return &gatedChannel{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedChannel) Name() string { return "sms" }

func (c *gatedChannel) Send(ctx context.Context, destination, body string) error {
	if atomic.AddInt32(&c.calls, 1) == 1 {
		close(c.started)
		<-c.release
		return channel.ErrDeliveryFailed
	}
	return nil
}

func TestSlowFailedSendDoesNotRollBackNewerCode(t *testing.T) {
	recordStore := store.NewMemoryStore(4)
	gated := newGatedChannel()
	channels := map[store.Channel]channel.Channel{
		store.ChannelSMS: gated,
	}
	svc := NewVerificationService(recordStore, channels, nil, nil, testConfig(), util.Get())
	ctx := context.Background()

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		outcome, err := svc.SendCode(ctx, "+15550001111", store.ChannelSMS, "")
		assert.NoError(t, err)
		assert.False(t, outcome.Success)
	}()

	// The second send completes while the first is still stuck in delivery.
	<-gated.started
	outcome, err := svc.SendCode(ctx, "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	require.True(t, outcome.Success)

	rec, err := recordStore.Get(ctx, "+15550001111")
	require.NoError(t, err)

	// The first send now fails and rolls back; only its own record may go.
	close(gated.release)
	<-firstDone

	verified, err := svc.VerifyCode(ctx, "+15550001111", rec.Code)
	require.NoError(t, err)
	assert.True(t, verified.Success, "the delivered code must survive the stale rollback")
}

func TestResendInvalidatesPriorCode(t *testing.T) {
	svc, recordStore, recorder := newTestService(t)
	ctx := context.Background()

	_, err := svc.SendCode(ctx, "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	first, err := recordStore.Get(ctx, "+15550001111")
	require.NoError(t, err)

	_, err = svc.ResendCode(ctx, "+15550001111", store.ChannelSMS, "")
	require.NoError(t, err)
	second, err := recordStore.Get(ctx, "+15550001111")
	require.NoError(t, err)

	assert.Len(t, recorder.Sent(), 2)
	assert.NotEqual(t, first.AttemptID, second.AttemptID)

	if first.Code != second.Code {
		outcome, err := svc.VerifyCode(ctx, "+15550001111", first.Code)
		require.NoError(t, err)
		assert.False(t, outcome.Success, "superseded code must not verify")
	}

	outcome, err := svc.VerifyCode(ctx, "+15550001111", second.Code)
	require.NoError(t, err)
	assert.True(t, outcome.Success)
}

func TestRenderMessagePerChannel(t *testing.T) {
	wa := renderMessage(store.ChannelWhatsApp, "4821", "Priya", 5*time.Minute)
	assert.Contains(t, wa, "Hi Priya!")
	assert.Contains(t, wa, "4821")
	assert.Contains(t, wa, "5 minutes")

	email := renderMessage(store.ChannelEmail, "482913", "", 10*time.Minute)
	assert.Contains(t, email, "482913")
	assert.Contains(t, email, "10 minutes")

	sms := renderMessage(store.ChannelSMS, "482913", "ignored", 5*time.Minute)
	assert.Contains(t, sms, "482913 is your FuelFriendly verification code")
}
