package service

import (
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/channel"
	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/store"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	recordStore store.Store
	channels    map[store.Channel]channel.Channel
	producer    *client.KafkaProducer
	auditSink   *audit.Sink
	config      *config.Config
	logger      *zap.Logger

	verificationService *VerificationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	recordStore store.Store,
	channels map[store.Channel]channel.Channel,
	producer *client.KafkaProducer,
	auditSink *audit.Sink,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		recordStore: recordStore,
		channels:    channels,
		producer:    producer,
		auditSink:   auditSink,
		config:      cfg,
		logger:      logger,
	}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(
			f.recordStore,
			f.channels,
			f.producer,
			f.auditSink,
			f.config,
			f.logger,
		)
		f.verificationService.StartSweeper(f.config.Store.SweepInterval)
	}
	return f.verificationService
}

// Cleanup cleans up all services
func (f *ServiceFactory) Cleanup() {
	if f.verificationService != nil {
		f.verificationService.Cleanup()
	}
}
