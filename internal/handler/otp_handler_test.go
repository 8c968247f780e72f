package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/channel"
	"otp-service/internal/channel/channeltest"
	"otp-service/internal/config"
	"otp-service/internal/service"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

func newTestRouter(t *testing.T) (http.Handler, *store.MemoryStore, *channeltest.Recorder) {
	t.Helper()

	cfg := &config.Config{
		Environment: "test",
		Channels: config.ChannelsConfig{
			WhatsApp: config.ChannelPolicy{CodeLength: 4, TTL: 5 * time.Minute},
			SMS:      config.ChannelPolicy{CodeLength: 6, TTL: 5 * time.Minute},
			Email:    config.ChannelPolicy{CodeLength: 6, TTL: 10 * time.Minute},
		},
	}

	recordStore := store.NewMemoryStore(4)
	recorder := channeltest.NewRecorder("sms")
	channels := map[store.Channel]channel.Channel{
		store.ChannelSMS: recorder,
	}

	svc := service.NewVerificationService(recordStore, channels, nil, nil, cfg, util.Get())
	otpHandler := NewOTPHandler(svc, util.Get())
	return NewRouter(otpHandler, util.Get()), recordStore, recorder
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestSendCodeEndpoint(t *testing.T) {
	router, _, recorder := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier:  "+15550001111",
		Channel:     "sms",
		DisplayName: "Priya",
	})

	assert.Equal(t, http.StatusOK, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Len(t, recorder.Sent(), 1)
}

func TestSendCodeRejectsUnknownChannel(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier: "+15550001111",
		Channel:    "pigeon",
	})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendCodeRejectsMissingBody(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSendCodeReportsDeliveryFailure(t *testing.T) {
	router, recordStore, recorder := newTestRouter(t)
	recorder.Err = channel.ErrDeliveryFailed

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier: "+15550001111",
		Channel:    "sms",
	})

	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)

	_, err := recordStore.Get(context.Background(), "+15550001111")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyCodeEndpoint(t *testing.T) {
	router, recordStore, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier: "+15550001111",
		Channel:    "sms",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := recordStore.Get(context.Background(), "+15550001111")
	require.NoError(t, err)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/otp/verify", VerifyCodeRequest{
		Identifier: "+15550001111",
		Code:       rec.Code,
	})
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "Verified.", resp.Message)
}

func TestVerifyCodeWrongCode(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier: "+15550001111",
		Channel:    "sms",
	})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/api/v1/otp/verify", VerifyCodeRequest{
		Identifier: "+15550001111",
		Code:       "000000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Incorrect")
}

func TestVerifyCodeValidation(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/verify", VerifyCodeRequest{
		Identifier: "+15550001111",
		Code:       "not-digits",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestResendEndpoint(t *testing.T) {
	router, _, recorder := newTestRouter(t)

	for _, path := range []string{"/api/v1/otp/send", "/api/v1/otp/resend"} {
		rr := doJSON(t, router, http.MethodPost, path, SendCodeRequest{
			Identifier: "+15550001111",
			Channel:    "sms",
		})
		require.Equal(t, http.StatusOK, rr.Code)
	}

	assert.Len(t, recorder.Sent(), 2)
}

func TestInternalErrorHidesDetail(t *testing.T) {
	// A code length beyond what the generator accepts forces an internal
	// failure on the send path.
	cfg := &config.Config{
		Environment: "test",
		Channels: config.ChannelsConfig{
			SMS: config.ChannelPolicy{CodeLength: 99, TTL: 5 * time.Minute},
		},
	}

	recordStore := store.NewMemoryStore(4)
	channels := map[store.Channel]channel.Channel{
		store.ChannelSMS: channeltest.NewRecorder("sms"),
	}
	svc := service.NewVerificationService(recordStore, channels, nil, nil, cfg, util.Get())
	router := NewRouter(NewOTPHandler(svc, util.Get()), util.Get())

	rr := doJSON(t, router, http.MethodPost, "/api/v1/otp/send", SendCodeRequest{
		Identifier: "+15550001111",
		Channel:    "sms",
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Empty(t, resp.Error, "internal error strings stay out of responses")
	assert.NotEmpty(t, resp.Message)
}

func TestWhatsAppStatusWithoutChannel(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/channels/whatsapp/status", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestUnknownRoute(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rr := doJSON(t, router, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
