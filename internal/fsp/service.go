package fsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
)

// ConfigurationRepositoryAPI is the full read/write view of
// fsp_configurations used by administration.
type ConfigurationRepositoryAPI interface {
	ConfigStore
	Create(ctx context.Context, cfg *fspmodel.Configuration) error
	Update(ctx context.Context, cfg *fspmodel.Configuration) error
}

// AdapterFactory builds the adapter serving a configuration.
type AdapterFactory func(cfg *fspmodel.Configuration) (Adapter, error)

type FSPView struct {
	ConfigurationResponse
	Health *HealthState `json:"health,omitempty"`
}

// Service administers FSP configurations. Every change is written to the
// audit ledger as CONFIGURATION_CHANGED.
type Service struct {
	repo     ConfigurationRepositoryAPI
	registry *Registry
	recorder audit.Recorder
	factory  AdapterFactory
	logger   *slog.Logger
}

func NewService(repo ConfigurationRepositoryAPI, registry *Registry, recorder audit.Recorder, factory AdapterFactory, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		recorder: recorder,
		factory:  factory,
		logger:   logger,
	}
}

func (s *Service) ListFSPs(ctx context.Context) ([]FSPView, error) {
	configs, err := s.repo.List(ctx)
	if err != nil {
		s.logger.Error("failed to list fsp configurations", "error", err)
		return nil, internal.NewInternalError("failed to list FSPs", err)
	}
	health := s.registry.HealthSnapshot(ctx)

	views := make([]FSPView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, s.view(cfg, health))
	}
	return views, nil
}

func (s *Service) GetFSP(ctx context.Context, code string) (*FSPView, error) {
	cfg, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	view := s.view(cfg, s.registry.HealthSnapshot(ctx))
	return &view, nil
}

func (s *Service) view(cfg *fspmodel.Configuration, health map[string]HealthState) FSPView {
	v := FSPView{ConfigurationResponse: ToResponse(cfg)}
	_, v.Registered = s.registry.Adapter(cfg.FSPCode)
	if st, ok := health[cfg.FSPCode]; ok {
		v.Health = &st
	}
	return v
}

func (s *Service) CreateFSP(ctx context.Context, req ConfigurationRequest) (*FSPView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	actor := internal.ActorFromContext(ctx)
	cfg := &fspmodel.Configuration{
		ID:           uuid.New(),
		FSPCode:      req.FSPCode,
		HealthStatus: fspmodel.HealthUnknown,
		CreatedBy:    actor,
		UpdatedBy:    actor,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	req.Apply(cfg)

	if err := s.ensureAdapter(cfg); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, cfg); err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		s.logger.Error("failed to create fsp configuration", "error", err, "fsp_code", cfg.FSPCode)
		return nil, internal.NewInternalError("failed to create FSP", err)
	}

	s.record(ctx, cfg.FSPCode, "FSP configuration created", nil, cfg)
	s.logger.Info("fsp configuration created", "fsp_code", cfg.FSPCode, "adapter_type", cfg.AdapterType, "actor", actor)

	view := s.view(cfg, s.registry.HealthSnapshot(ctx))
	return &view, nil
}

func (s *Service) UpdateFSP(ctx context.Context, code string, req ConfigurationRequest) (*FSPView, error) {
	req.FSPCode = code
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cfg, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	before := *cfg

	req.Apply(cfg)
	cfg.UpdatedBy = internal.ActorFromContext(ctx)

	if err := s.ensureAdapter(cfg); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, cfg); err != nil {
		if _, ok := internal.IsAppError(err); ok {
			return nil, err
		}
		s.logger.Error("failed to update fsp configuration", "error", err, "fsp_code", code)
		return nil, internal.NewInternalError("failed to update FSP", err)
	}

	s.record(ctx, code, "FSP configuration updated", &before, cfg)
	s.logger.Info("fsp configuration updated", "fsp_code", code, "version", cfg.Version)

	view := s.view(cfg, s.registry.HealthSnapshot(ctx))
	return &view, nil
}

// ensureAdapter registers an adapter for a new code and checks that the
// configuration is one the adapter can serve.
func (s *Service) ensureAdapter(cfg *fspmodel.Configuration) error {
	adapter, ok := s.registry.Adapter(cfg.FSPCode)
	if !ok {
		if s.factory == nil {
			return internal.NewConfigurationError(
				fmt.Sprintf("no adapter available for FSP %s", cfg.FSPCode), internal.ErrCodeFSPMisconfigured)
		}
		built, err := s.factory(cfg)
		if err != nil {
			return internal.NewValidationError(err.Error(), internal.ErrCodeInvalidFSPSettings)
		}
		adapter = built
	}
	if !adapter.ValidateConfiguration(cfg) {
		return internal.NewValidationError(
			fmt.Sprintf("configuration is not valid for the %s adapter", cfg.AdapterType), internal.ErrCodeInvalidFSPSettings)
	}
	if !ok {
		if err := s.registry.Register(adapter); err != nil {
			return internal.NewConflictError(err.Error(), internal.ErrCodeDuplicateFSP)
		}
	}
	return nil
}

// LoadAdapters registers an adapter for every stored configuration that does
// not have one yet. A configuration the factory rejects is logged and skipped
// so one broken provider does not keep the others offline.
func (s *Service) LoadAdapters(ctx context.Context) (int, error) {
	configs, err := s.repo.List(ctx)
	if err != nil {
		return 0, internal.NewInternalError("failed to list FSPs", err)
	}

	loaded := 0
	for _, cfg := range configs {
		if _, ok := s.registry.Adapter(cfg.FSPCode); ok {
			continue
		}
		if err := s.ensureAdapter(cfg); err != nil {
			s.logger.Warn("skipping fsp adapter", "fsp_code", cfg.FSPCode, "adapter_type", cfg.AdapterType, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

func (s *Service) TestConnection(ctx context.Context, code string) (*ConnectionTestResponse, error) {
	connected, err := s.registry.TestConnection(ctx, code)
	if err != nil {
		return nil, err
	}
	s.record(ctx, code, fmt.Sprintf("connection test: connected=%t", connected), nil, nil)
	return &ConnectionTestResponse{FSPCode: code, Connected: connected, TestedAt: time.Now().UTC()}, nil
}

func (s *Service) ProbeHealth(ctx context.Context) map[string]HealthState {
	return s.registry.ProbeHealth(ctx)
}

type configurationChange struct {
	Before *ConfigurationResponse `json:"before,omitempty"`
	After  *ConfigurationResponse `json:"after,omitempty"`
}

func (s *Service) record(ctx context.Context, code, description string, before, after *fspmodel.Configuration) {
	var change configurationChange
	if before != nil {
		b := ToResponse(before)
		change.Before = &b
	}
	if after != nil {
		a := ToResponse(after)
		change.After = &a
	}
	raw, _ := json.Marshal(change)

	entry := audit.Entry{
		EventType:   audit.EventConfigurationChanged,
		Description: description,
		FSPCode:     code,
		FSPRequest:  raw,
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.Error("failed to audit configuration change", "error", err, "fsp_code", code)
	}
}
