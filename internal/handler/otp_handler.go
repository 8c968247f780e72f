package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otp-service/internal/service"
	"otp-service/internal/store"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for the verification lifecycle
type OTPHandler struct {
	verificationService *service.VerificationService
	validate            *validator.Validate
	logger              *zap.Logger
}

func NewOTPHandler(verificationService *service.VerificationService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		verificationService: verificationService,
		validate:            validator.New(),
		logger:              logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// SendCodeRequest is the body for send and resend.
type SendCodeRequest struct {
	Identifier  string `json:"identifier" validate:"required,min=3,max=254"`
	Channel     string `json:"channel" validate:"required,oneof=whatsapp sms email"`
	DisplayName string `json:"display_name" validate:"max=100"`
}

// VerifyCodeRequest is the body for verify.
type VerifyCodeRequest struct {
	Identifier string `json:"identifier" validate:"required,min=3,max=254"`
	Code       string `json:"code" validate:"required,numeric,min=4,max=10"`
}

// RegisterRoutes registers all verification routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendCode)
		r.Post("/verify", h.VerifyCode)
		r.Post("/resend", h.ResendCode)
	})

	router.Route("/channels", func(r chi.Router) {
		r.Get("/whatsapp/status", h.WhatsAppStatus)
	})
}

// SendCode issues and delivers a verification code
func (h *OTPHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	h.handleSend(w, r, "SendCode", h.verificationService.SendCode)
}

// ResendCode replaces the outstanding code with a fresh one
func (h *OTPHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	h.handleSend(w, r, "ResendCode", h.verificationService.ResendCode)
}

func (h *OTPHandler) handleSend(
	w http.ResponseWriter,
	r *http.Request,
	operation string,
	send func(ctx context.Context, identifier string, ch store.Channel, displayName string) (*service.Outcome, error),
) {
	ctx := r.Context()
	startTime := time.Now()

	var req SendCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	outcome, err := send(ctx, req.Identifier, store.Channel(req.Channel), req.DisplayName)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send verification code")
		return
	}

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusBadGateway
	}
	h.respondWithJSON(w, status, Response{Success: outcome.Success, Message: outcome.Message})

	h.logger.Info("Send handled",
		util.Identifier(req.Identifier),
		util.String("channel", req.Channel),
		util.Bool("delivered", outcome.Success),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", operation),
	)
}

// VerifyCode checks a submitted code
func (h *OTPHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	outcome, err := h.verificationService.VerifyCode(ctx, req.Identifier, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify code")
		return
	}

	status := http.StatusOK
	if !outcome.Success {
		status = http.StatusUnprocessableEntity
	}
	h.respondWithJSON(w, status, Response{Success: outcome.Success, Message: outcome.Message})

	h.logger.Info("Verify handled",
		util.Identifier(req.Identifier),
		util.Bool("verified", outcome.Success),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyCode"),
	)
}

// WhatsAppStatus reports the gateway session state and, while pairing, the
// QR payload the operator must scan.
func (h *OTPHandler) WhatsAppStatus(w http.ResponseWriter, r *http.Request) {
	state, qr, ok := h.verificationService.ChannelStatus()
	if !ok {
		h.respondWithError(w, http.StatusNotFound,
			errors.New("whatsapp channel not configured"), "Channel not configured")
		return
	}

	data := map[string]string{"state": string(state)}
	if qr != "" {
		data["qr"] = qr
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(data, "WhatsApp session status"))
}

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)

	resp := errorResponse(err, message)
	if statusCode >= http.StatusInternalServerError {
		// Internal error detail stays in logs.
		resp.Error = ""
	}
	h.respondWithJSON(w, statusCode, resp)
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnknownChannel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
