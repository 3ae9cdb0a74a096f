package app

import (
	"strings"

	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
	"github.com/arklim/tenant-ratelimit/internal/infra/config"
	kafkainfra "github.com/arklim/tenant-ratelimit/internal/infra/kafka"
	"github.com/arklim/tenant-ratelimit/internal/infra/policyfile"
	postgresrepo "github.com/arklim/tenant-ratelimit/internal/repository/postgres"
	"github.com/arklim/tenant-ratelimit/internal/usecase"
)

// degradationPolicy builds the per-class failure mode. A class listed as both open
// and closed fails closed.
func degradationPolicy(cfg config.FailureModeSettings) domain.DegradationPolicy {
	overrides := make(map[string]domain.DegradationPolicyMode, len(cfg.ClosedClasses)+len(cfg.OpenClasses))
	for _, class := range cfg.OpenClasses {
		overrides[class] = domain.DegradationPolicyModeOpen
	}
	for _, class := range cfg.ClosedClasses {
		overrides[class] = domain.DegradationPolicyModeClosed
	}
	return domain.NewDegradationPolicy(domain.ParseDegradationPolicyMode(cfg.Default), overrides)
}

// loadPolicies builds the policy service from the configured file, or from the built-in
// table when none is configured. A broken file at startup is fatal.
func loadPolicies(cfg config.RateLimitSettings, log *zap.Logger) (*usecase.PolicyService, *policyfile.File, error) {
	path := strings.TrimSpace(cfg.PolicyFile)
	if path == "" {
		svc, err := usecase.NewPolicyService(nil, nil)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using built-in rate limit policies")
		return svc.WithLogger(log), nil, nil
	}

	file, err := policyfile.NewFile(path)
	if err != nil {
		return nil, nil, err
	}
	initial, err := file.Load()
	if err != nil {
		return nil, nil, err
	}
	svc, err := usecase.NewPolicyService(initial, file)
	if err != nil {
		return nil, nil, err
	}
	log.Info("loaded rate limit policies",
		zap.String("path", file.Path()),
		zap.Int("rules", len(initial.Rules())),
	)
	return svc.WithLogger(log), file, nil
}

// sinkSet holds the audit sinks chosen by configuration.
type sinkSet struct {
	sinks    []port.AuditSink
	producer *kafkainfra.Producer
}

// buildAuditSinks resolves the configured sink names. Kafka without brokers, or with a
// producer that cannot start, is skipped. With nothing usable the log sink is used.
func buildAuditSinks(cfg *config.AppConfig, denials port.AuditSink, newProducer func(config.KafkaSettings, *zap.Logger) (*kafkainfra.Producer, error), log *zap.Logger) sinkSet {
	var set sinkSet
	seen := make(map[string]struct{}, len(cfg.Audit.Sinks))

	for _, raw := range cfg.Audit.Sinks {
		name := strings.ToLower(strings.TrimSpace(raw))
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		switch name {
		case kafkainfra.AuditSinkName:
			if len(cfg.Kafka.Brokers) == 0 {
				log.Info("kafka brokers not configured, skipping kafka audit sink")
				continue
			}
			producer, err := newProducer(cfg.Kafka, log)
			if err != nil {
				log.Warn("failed to init kafka producer, skipping kafka audit sink", zap.Error(err))
				continue
			}
			set.producer = producer
			set.sinks = append(set.sinks, kafkainfra.NewAuditPublisher(producer, cfg.App, log))
		case postgresrepo.DenialSinkName:
			if denials == nil {
				continue
			}
			set.sinks = append(set.sinks, denials)
		case kafkainfra.StubSinkName:
			set.sinks = append(set.sinks, kafkainfra.NewStubPublisher(log))
		default:
			log.Warn("unknown audit sink ignored", zap.String("sink", raw))
		}
	}

	if len(set.sinks) == 0 {
		log.Info("no audit sink configured, logging denials only")
		set.sinks = append(set.sinks, kafkainfra.NewStubPublisher(log))
	}
	return set
}
