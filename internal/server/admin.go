package server

import (
	"VaultLedger/internal/observability"
	"VaultLedger/internal/query"
	"context"
	"time"
)

// SnapshotFunc captures core state on the core goroutine and persists it.
type SnapshotFunc func(ctx context.Context) (sequence int64, sizeBytes int, err error)

// RebuildFunc rebuilds every projection table from core state and the
// journal, returning the sequence the rebuild reflects.
type RebuildFunc func(ctx context.Context) (int64, error)

type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

type AdminService struct {
	snapshot  SnapshotFunc
	rebuild   RebuildFunc
	integrity IntegrityVerifier
	admin     AdminGate
	metrics   *observability.Metrics
}

func NewAdminService(snapshot SnapshotFunc, rebuild RebuildFunc, integrity IntegrityVerifier, admin AdminGate, metrics *observability.Metrics) *AdminService {
	return &AdminService{
		snapshot:  snapshot,
		rebuild:   rebuild,
		integrity: integrity,
		admin:     admin,
		metrics:   metrics,
	}
}

func (s *AdminService) TakeSnapshot(ctx context.Context, _ *Empty) (resp *TakeSnapshotResponse, err error) {
	defer observe(s.metrics, "TakeSnapshot", time.Now(), &err)

	if err := s.admin.require(ctx); err != nil {
		return nil, err
	}
	seq, size, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &TakeSnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (s *AdminService) RebuildProjections(ctx context.Context, _ *Empty) (resp *RebuildProjectionsResponse, err error) {
	defer observe(s.metrics, "RebuildProjections", time.Now(), &err)

	if err := s.admin.require(ctx); err != nil {
		return nil, err
	}
	seq, err := s.rebuild(ctx)
	if err != nil {
		return nil, err
	}
	return &RebuildProjectionsResponse{Sequence: seq}, nil
}

func (s *AdminService) VerifyIntegrity(ctx context.Context, _ *Empty) (resp *query.IntegrityReport, err error) {
	defer observe(s.metrics, "VerifyIntegrity", time.Now(), &err)

	if err := s.admin.require(ctx); err != nil {
		return nil, err
	}
	return s.integrity.VerifyIntegrity(ctx)
}
