// Package control is the administrative surface of the span engine:
// create, destroy and list dynamic spans, persist them and restore them at
// startup.
package control

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/dbehnke/dyntdm/internal/database"
	"github.com/dbehnke/dyntdm/internal/dynamic"
)

// Store persists span configurations. A nil Store disables persistence.
type Store interface {
	List() ([]database.SpanRecord, error)
	Upsert(rec *database.SpanRecord) error
	SetTiming(driver, address string, timing int) error
	Delete(driver, address string) error
}

// Service applies administrative requests to the engine
type Service struct {
	m      *dynamic.Manager
	store  Store
	logger *slog.Logger
}

func NewService(m *dynamic.Manager, store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{m: m, store: store, logger: logger.With("component", "control")}
}

// Create builds a span and records it in the store. A span that cannot be
// stored is destroyed again.
func (s *Service) Create(spec dynamic.SpanSpec) (int, error) {
	n, err := s.m.Create(spec)
	if err != nil {
		return 0, err
	}
	if s.store != nil {
		rec := &database.SpanRecord{
			Driver:   spec.Driver,
			Address:  spec.Address,
			Channels: spec.Channels,
			Timing:   spec.Timing,
		}
		if err := s.store.Upsert(rec); err != nil {
			if derr := s.m.Destroy(spec.Driver, spec.Address); derr != nil {
				s.logger.Error("rollback failed", "driver", spec.Driver, "address", spec.Address, "error", derr)
			}
			return 0, fmt.Errorf("persist span: %w", err)
		}
	}
	return n, nil
}

// Destroy tears a span down and forgets it
func (s *Service) Destroy(driver, address string) error {
	if err := s.m.Destroy(driver, address); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.Delete(driver, address); err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("forget span: %w", err)
		}
	}
	return nil
}

// SetTiming changes the timing priority of a span
func (s *Service) SetTiming(driver, address string, timing int) error {
	if err := s.m.SetTiming(driver, address, timing); err != nil {
		return err
	}
	if s.store != nil {
		if err := s.store.SetTiming(driver, address, timing); err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("persist timing: %w", err)
		}
	}
	return nil
}

func (s *Service) List() []dynamic.SpanStats {
	return s.m.Spans()
}

func (s *Service) Stats() dynamic.Stats {
	return s.m.Stats()
}

// Restore creates the given spans followed by every stored span. Spans that
// already exist are skipped. It returns how many spans were created along
// with every failure.
func (s *Service) Restore(specs []dynamic.SpanSpec) (int, error) {
	all := append([]dynamic.SpanSpec(nil), specs...)
	if s.store != nil {
		recs, err := s.store.List()
		if err != nil {
			return 0, fmt.Errorf("load stored spans: %w", err)
		}
		for _, r := range recs {
			all = append(all, dynamic.SpanSpec{
				Driver:   r.Driver,
				Address:  r.Address,
				Channels: r.Channels,
				Timing:   r.Timing,
			})
		}
	}

	var created int
	var errs []error
	for _, spec := range all {
		n, err := s.m.Create(spec)
		switch {
		case errors.Is(err, dynamic.ErrAlreadyExists):
			continue
		case err != nil:
			s.logger.Warn("restore failed", "driver", spec.Driver, "address", spec.Address, "error", err)
			errs = append(errs, err)
			continue
		}
		created++
		s.logger.Debug("restored span", "driver", spec.Driver, "address", spec.Address, "number", n)
	}
	s.logger.Info("restored spans", "created", created, "failed", len(errs))
	return created, errors.Join(errs...)
}
