package service

import (
	"go.uber.org/zap"

	"kyc-service/internal/config"
	"kyc-service/internal/encryption"
	"kyc-service/internal/hashing"
	"kyc-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg           *config.Config
	records       model.VerificationRepository
	applicants    model.ApplicantRepository
	audit         model.AuditRepository
	cache         model.KYCCache
	chain         ChainGateway
	provider      IdentityProvider
	documents     DocumentStore
	events        EventPublisher
	reviewIndex   ReviewIndex
	encryptionMgr *encryption.EncryptionManager
	hasher        *hashing.Hasher
	logger        *zap.Logger

	statusService    *StatusService
	manualService    *ManualIntakeService
	automatedService *AutomatedService
	reconciler       *Reconciler
	webhookService   *WebhookService
	reviewService    *ReviewService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	records model.VerificationRepository,
	applicants model.ApplicantRepository,
	audit model.AuditRepository,
	cache model.KYCCache,
	chain ChainGateway,
	provider IdentityProvider,
	documents DocumentStore,
	events EventPublisher,
	reviewIndex ReviewIndex,
	encryptionMgr *encryption.EncryptionManager,
	hasher *hashing.Hasher,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:           cfg,
		records:       records,
		applicants:    applicants,
		audit:         audit,
		cache:         cache,
		chain:         chain,
		provider:      provider,
		documents:     documents,
		events:        events,
		reviewIndex:   reviewIndex,
		encryptionMgr: encryptionMgr,
		hasher:        hasher,
		logger:        logger,
	}
}

// StatusService returns the status resolver instance (singleton)
func (f *ServiceFactory) StatusService() *StatusService {
	if f.statusService == nil {
		f.statusService = NewStatusService(f.chain, f.records)
	}
	return f.statusService
}

// Reconciler returns the decision reconciler instance (singleton)
func (f *ServiceFactory) Reconciler() *Reconciler {
	if f.reconciler == nil {
		f.reconciler = NewReconciler(f.records, f.applicants, f.chain, f.audit, f.cache, f.events)
	}
	return f.reconciler
}

// ManualIntakeService returns the manual intake instance (singleton)
func (f *ServiceFactory) ManualIntakeService() *ManualIntakeService {
	if f.manualService == nil {
		f.manualService = NewManualIntakeService(
			f.records,
			f.StatusService(),
			f.documents,
			f.encryptionMgr,
			f.hasher,
			f.reviewIndex,
			f.events,
		)
	}
	return f.manualService
}

// AutomatedService returns the automated intake instance (singleton)
func (f *ServiceFactory) AutomatedService() *AutomatedService {
	if f.automatedService == nil {
		f.automatedService = NewAutomatedService(
			f.records,
			f.applicants,
			f.StatusService(),
			f.provider,
			f.Reconciler(),
			f.cache,
		)
	}
	return f.automatedService
}

// WebhookService returns the webhook receiver instance (singleton)
func (f *ServiceFactory) WebhookService() *WebhookService {
	if f.webhookService == nil {
		f.webhookService = NewWebhookService(
			f.applicants,
			f.Reconciler(),
			f.audit,
			f.cache,
			f.hasher,
			f.cfg,
		)
	}
	return f.webhookService
}

// ReviewService returns the admin review instance (singleton)
func (f *ServiceFactory) ReviewService() *ReviewService {
	if f.reviewService == nil {
		f.reviewService = NewReviewService(
			f.records,
			f.Reconciler(),
			f.reviewIndex,
			f.encryptionMgr,
		)
	}
	return f.reviewService
}
