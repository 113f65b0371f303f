package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ericfisherdev/ledgerlink/internal/domain/model"
	"github.com/ericfisherdev/ledgerlink/internal/domain/port/driven"
)

// RecoveryService detects a corrupt registry and repairs it by truncation,
// keeping a backup of the original bytes. An unrepairable registry is left
// untouched and reported.
type RecoveryService struct {
	registry driven.Registry
	repairer driven.RegistryRepairer
	path     string
	now      func() time.Time

	mu   sync.RWMutex
	last *model.RepairReport
}

// NewRecoveryService creates a RecoveryService for the registry at path.
func NewRecoveryService(registry driven.Registry, repairer driven.RegistryRepairer, path string) *RecoveryService {
	return &RecoveryService{
		registry: registry,
		repairer: repairer,
		path:     path,
		now:      time.Now,
	}
}

// Recover checks the registry and repairs it if corrupt. The returned report
// is also kept for LastReport. A healthy registry yields a report with
// Repaired false and no error.
func (s *RecoveryService) Recover(ctx context.Context) (model.RepairReport, error) {
	report := model.RepairReport{Path: s.path, At: s.now().UTC()}

	companies, err := s.registry.ReadAll(ctx)
	if err == nil {
		report.Records = len(companies)
		return report, nil
	}

	var corrupt *driven.RegistryCorruptError
	if !errors.As(err, &corrupt) {
		return report, err
	}

	slog.Error("registry corrupt", "path", corrupt.Path, "offset", corrupt.Offset, "bytes", len(corrupt.Raw), "error", corrupt.Err)

	backupPath, err := s.repairer.BackupCorrupt(ctx, corrupt.Raw)
	if err != nil {
		report.Error = err.Error()
		s.remember(report)
		return report, fmt.Errorf("backup corrupt registry: %w", err)
	}
	report.BackupPath = backupPath

	repaired, truncated, err := s.repairer.Repair(corrupt.Raw)
	if err != nil {
		report.Error = err.Error()
		s.remember(report)
		slog.Error("registry unrepairable, left untouched", "path", s.path, "backup", backupPath, "error", err)
		return report, err
	}

	if err := s.registry.WriteAll(ctx, repaired); err != nil {
		report.Error = err.Error()
		s.remember(report)
		return report, fmt.Errorf("persist repaired registry: %w", err)
	}

	report.Repaired = true
	report.TruncatedBytes = truncated
	report.Records = len(repaired)
	s.remember(report)

	slog.Warn("registry repaired",
		"path", s.path,
		"backup", backupPath,
		"truncated_bytes", truncated,
		"records", len(repaired),
	)

	return report, nil
}

// LastReport returns the most recent report that involved a corrupt registry.
func (s *RecoveryService) LastReport() (model.RepairReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return model.RepairReport{}, false
	}
	return *s.last, true
}

func (s *RecoveryService) remember(report model.RepairReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &report
}

// Path returns the registry file location.
func (s *RecoveryService) Path() string {
	return s.path
}
