package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kyc-service/internal/model"
	"kyc-service/internal/util"
)

// StatusResult is the resolved authoritative status for a subject. Source
// names the resolver that produced it: chain, record, or default.
type StatusResult struct {
	SubjectAddress string                    `json:"subject_address"`
	Status         model.Status              `json:"status"`
	Source         string                    `json:"source"`
	Record         *model.VerificationRecord `json:"record,omitempty"`
}

// statusSnapshot carries both reads so resolvers stay pure over one
// consistent view.
type statusSnapshot struct {
	subjectAddress string
	chainApproved  bool
	chainErr       error
	record         *model.VerificationRecord
	recordErr      error
}

// statusResolver inspects the snapshot and either produces a result or
// passes to the next resolver in the chain.
type statusResolver struct {
	name    string
	resolve func(*statusSnapshot) *StatusResult
}

// StatusService determines a subject's authoritative verification status.
// Resolution is an ordered chain with stop-on-first-result semantics: the
// on-chain flag overrides everything, then the latest stored record, then
// the NOT_SUBMITTED default.
type StatusService struct {
	chain     ChainGateway
	records   model.VerificationRepository
	resolvers []statusResolver
}

func NewStatusService(chain ChainGateway, records model.VerificationRepository) *StatusService {
	s := &StatusService{
		chain:   chain,
		records: records,
	}

	s.resolvers = []statusResolver{
		{
			name: "chain",
			resolve: func(snap *statusSnapshot) *StatusResult {
				if snap.chainErr != nil || !snap.chainApproved {
					return nil
				}
				return &StatusResult{
					SubjectAddress: snap.subjectAddress,
					Status:         model.StatusApproved,
					Source:         "chain",
				}
			},
		},
		{
			name: "record",
			resolve: func(snap *statusSnapshot) *StatusResult {
				if snap.recordErr != nil || snap.record == nil {
					return nil
				}
				return &StatusResult{
					SubjectAddress: snap.subjectAddress,
					Status:         snap.record.Status,
					Source:         "record",
					Record:         snap.record,
				}
			},
		},
		{
			name: "default",
			resolve: func(snap *statusSnapshot) *StatusResult {
				return &StatusResult{
					SubjectAddress: snap.subjectAddress,
					Status:         model.StatusNotSubmitted,
					Source:         "default",
				}
			},
		},
	}

	return s
}

// Resolve returns the authoritative status for a subject. A failed on-chain
// read degrades to "flag unset" and is only logged. A failed record read
// degrades to NOT_SUBMITTED but the error is also returned, so callers can
// distinguish "never submitted" from "store unreachable".
func (s *StatusService) Resolve(ctx context.Context, subjectAddress string) (*StatusResult, error) {
	addr := util.NormalizeAddress(subjectAddress)
	if !util.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: malformed subject address", ErrInvalidInput)
	}

	snap := &statusSnapshot{subjectAddress: addr}

	// Both reads are independent; issue them concurrently and combine in
	// resolver order.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.chainApproved, snap.chainErr = s.chain.IsApproved(gctx, addr)
		return nil
	})
	g.Go(func() error {
		snap.record, snap.recordErr = s.records.GetLatestBySubject(gctx, addr)
		return nil
	})
	_ = g.Wait()

	if snap.chainErr != nil {
		util.Warn("On-chain status read failed, treating flag as unset",
			zap.String("subject", addr),
			zap.Error(snap.chainErr))
	}

	for _, resolver := range s.resolvers {
		if result := resolver.resolve(snap); result != nil {
			util.Debug("Status resolved",
				zap.String("subject", addr),
				zap.String("resolver", resolver.name),
				zap.String("status", string(result.Status)))

			// Record-read failures surface alongside the safe default, but
			// never when the chain already answered.
			if result.Source == "default" && snap.recordErr != nil {
				return result, fmt.Errorf("status degraded to default: %w", snap.recordErr)
			}
			return result, nil
		}
	}

	// Unreachable: the default resolver always produces a result.
	return &StatusResult{SubjectAddress: addr, Status: model.StatusNotSubmitted, Source: "default"}, nil
}
