package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc-service/internal/model"
)

func newTestReconciler(records *fakeRecordStore, chain *fakeChain) (*Reconciler, *fakeAudit, *fakeEvents) {
	audit := &fakeAudit{}
	events := &fakeEvents{}
	r := NewReconciler(records, newFakeApplicantStore(), chain, audit, newFakeCache(), events)
	return r, audit, events
}

func TestReconcileAppliesTerminalDecision(t *testing.T) {
	records := &fakeRecordStore{}
	record := pendingRecord(testAddr, model.MethodAutomated, time.Now())
	record.ApplicantID = "applicant-1"
	records.records = append(records.records, record)

	chain := newFakeChain()
	r, audit, events := newTestReconciler(records, chain)

	outcome, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		ApplicantID:    "applicant-1",
		DecidedStatus:  model.StatusApproved,
		DecidedBy:      "system:webhook",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, "0xfeedtx", outcome.ChainTx)
	assert.Equal(t, model.StatusApproved, record.Status)
	require.NotNil(t, record.ReviewedAt)
	assert.Equal(t, "system:webhook", record.ReviewedBy)

	require.Len(t, chain.writes, 1)
	assert.True(t, chain.writes[0].approved)

	require.Len(t, audit.decisions, 1)
	assert.True(t, audit.decisions[0].ChainOK)
	assert.Len(t, events.published, 1)
}

func TestReconcileIsIdempotentAcrossConvergingPaths(t *testing.T) {
	records := &fakeRecordStore{}
	record := pendingRecord(testAddr, model.MethodAutomated, time.Now())
	record.ApplicantID = "applicant-1"
	records.records = append(records.records, record)

	chain := newFakeChain()
	r, _, _ := newTestReconciler(records, chain)

	in := &ReconcileInput{
		SubjectAddress:  testAddr,
		ApplicantID:     "applicant-1",
		DecidedStatus:   model.StatusRejected,
		RejectionReason: "liveness check failed",
		DecidedBy:       "system:poll",
	}

	first, err := r.Reconcile(context.Background(), in)
	require.NoError(t, err)
	require.True(t, first.Applied)
	decidedAt := *record.ReviewedAt

	// Same decision delivered again, e.g. the webhook arriving after the
	// bridging poll already won.
	in.DecidedBy = "system:webhook"
	second, err := r.Reconcile(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.Equal(t, model.StatusRejected, second.Record.Status)

	assert.Len(t, chain.writes, 1, "flag must be written exactly once")
	assert.Equal(t, decidedAt, *record.ReviewedAt, "original decision timestamp must survive")
	assert.Equal(t, "system:poll", record.ReviewedBy)
}

func TestReconcileRecordAdminApproval(t *testing.T) {
	records := &fakeRecordStore{}
	record := pendingRecord(testAddr, model.MethodManual, time.Now())
	records.records = append(records.records, record)

	chain := newFakeChain()
	r, audit, _ := newTestReconciler(records, chain)

	outcome, err := r.ReconcileRecord(context.Background(), record, &ReconcileInput{
		DecidedStatus: model.StatusApproved,
		DecidedBy:     "admin:alex",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
	assert.Equal(t, model.StatusApproved, record.Status)
	assert.Equal(t, "admin:alex", record.ReviewedBy)
	require.NotNil(t, record.ReviewedAt)

	require.Len(t, chain.writes, 1)
	assert.Equal(t, testAddr, chain.writes[0].subject)
	require.Len(t, audit.decisions, 1)
	assert.Equal(t, model.MethodManual, audit.decisions[0].Method)
}

func TestReconcileRecordAlreadyTerminalIsNoOp(t *testing.T) {
	record := pendingRecord(testAddr, model.MethodManual, time.Now())
	record.Status = model.StatusApproved

	chain := newFakeChain()
	r, _, _ := newTestReconciler(&fakeRecordStore{}, chain)

	outcome, err := r.ReconcileRecord(context.Background(), record, &ReconcileInput{
		DecidedStatus: model.StatusApproved,
		DecidedBy:     "admin:alex",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Empty(t, chain.writes)
}

func TestReconcileNoOpForDecidedApplicantBehindNewerManualAttempt(t *testing.T) {
	records := &fakeRecordStore{}

	decided := pendingRecord(testAddr, model.MethodAutomated, time.Now().Add(-2*time.Hour))
	decided.ApplicantID = "applicant-1"
	decided.Status = model.StatusRejected
	decided.RejectionReason = "liveness check failed"

	// The subject has since started a manual attempt; it is now the latest
	// record and must not absorb the provider's late redelivery.
	manual := pendingRecord(testAddr, model.MethodManual, time.Now().Add(-time.Minute))
	records.records = append(records.records, decided, manual)

	chain := newFakeChain()
	r, _, _ := newTestReconciler(records, chain)

	outcome, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress:  testAddr,
		ApplicantID:     "applicant-1",
		DecidedStatus:   model.StatusRejected,
		RejectionReason: "liveness check failed",
		DecidedBy:       "system:webhook",
	})
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, decided.RecordID, outcome.Record.RecordID)

	assert.Empty(t, chain.writes)
	assert.Equal(t, model.StatusPending, manual.Status, "the manual attempt must be untouched")
}

func TestReconcileRejectedNeedsReason(t *testing.T) {
	r, _, _ := newTestReconciler(&fakeRecordStore{}, newFakeChain())

	_, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		DecidedStatus:  model.StatusRejected,
		DecidedBy:      "system:webhook",
	})
	assert.ErrorIs(t, err, ErrRejectionNeedsReason)
}

func TestReconcileRejectsNonTerminalDecision(t *testing.T) {
	r, _, _ := newTestReconciler(&fakeRecordStore{}, newFakeChain())

	_, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		DecidedStatus:  model.StatusPending,
		DecidedBy:      "system:webhook",
	})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReconcileNoRecordAtAll(t *testing.T) {
	r, _, _ := newTestReconciler(&fakeRecordStore{}, newFakeChain())

	_, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		DecidedStatus:  model.StatusApproved,
		DecidedBy:      "system:webhook",
	})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReconcileChainFailureLeavesDecidedRecord(t *testing.T) {
	records := &fakeRecordStore{}
	record := pendingRecord(testAddr, model.MethodAutomated, time.Now())
	record.ApplicantID = "applicant-1"
	records.records = append(records.records, record)

	chain := newFakeChain()
	chain.writeErr = errBoom
	r, audit, _ := newTestReconciler(records, chain)

	outcome, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		ApplicantID:    "applicant-1",
		DecidedStatus:  model.StatusApproved,
		DecidedBy:      "system:webhook",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)

	// The record write stands; only the chain mirror failed.
	require.NotNil(t, outcome)
	assert.True(t, outcome.Applied)
	assert.Equal(t, model.StatusApproved, record.Status)
	require.Len(t, audit.decisions, 1)
	assert.False(t, audit.decisions[0].ChainOK)
}

func TestReconcileContinuesWhenLockUnavailable(t *testing.T) {
	records := &fakeRecordStore{}
	record := pendingRecord(testAddr, model.MethodAutomated, time.Now())
	records.records = append(records.records, record)

	cache := newFakeCache()
	cache.lockErr = errBoom
	r := NewReconciler(records, newFakeApplicantStore(), newFakeChain(), &fakeAudit{}, cache, &fakeEvents{})

	outcome, err := r.Reconcile(context.Background(), &ReconcileInput{
		SubjectAddress: testAddr,
		DecidedStatus:  model.StatusApproved,
		DecidedBy:      "system:webhook",
	})
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
}

func TestMapProviderDecision(t *testing.T) {
	tests := []struct {
		name         string
		reviewStatus string
		result       *model.ReviewResult
		wantStatus   model.Status
		wantReason   string
	}{
		{
			name:         "green completed approves",
			reviewStatus: "completed",
			result:       &model.ReviewResult{ReviewAnswer: "GREEN"},
			wantStatus:   model.StatusApproved,
		},
		{
			name:         "red completed rejects with comment",
			reviewStatus: "completed",
			result:       &model.ReviewResult{ReviewAnswer: "RED", ModerationComment: "document expired"},
			wantStatus:   model.StatusRejected,
			wantReason:   "document expired",
		},
		{
			name:         "red without comment falls back to labels",
			reviewStatus: "completed",
			result:       &model.ReviewResult{ReviewAnswer: "RED", RejectLabels: []string{"FORGERY", "BAD_PHOTO"}},
			wantStatus:   model.StatusRejected,
			wantReason:   "FORGERY, BAD_PHOTO",
		},
		{
			name:         "red without any detail still carries a reason",
			reviewStatus: "completed",
			result:       &model.ReviewResult{ReviewAnswer: "RED"},
			wantStatus:   model.StatusRejected,
			wantReason:   "verification rejected by provider",
		},
		{
			name:         "pending review stays pending",
			reviewStatus: "pending",
			result:       &model.ReviewResult{ReviewAnswer: "GREEN"},
			wantStatus:   model.StatusPending,
		},
		{
			name:         "completed without a result stays pending",
			reviewStatus: "completed",
			wantStatus:   model.StatusPending,
		},
		{
			name:         "unknown answer stays pending",
			reviewStatus: "completed",
			result:       &model.ReviewResult{ReviewAnswer: "YELLOW"},
			wantStatus:   model.StatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, reason := MapProviderDecision(tt.reviewStatus, tt.result)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}
