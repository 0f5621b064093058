package jetstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamSpec describes the stream the service reads from and writes to.
type StreamSpec struct {
	Name       string
	Subjects   []string
	Storage    string // "file" (default) or "memory"
	MaxAge     time.Duration
	Duplicates time.Duration
	Replicas   int
}

func (s StreamSpec) config() jetstream.StreamConfig {
	storage := jetstream.FileStorage
	if s.Storage == "memory" {
		storage = jetstream.MemoryStorage
	}

	return jetstream.StreamConfig{
		Name:       s.Name,
		Subjects:   s.Subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    storage,
		MaxAge:     s.MaxAge,
		Duplicates: s.Duplicates,
		Replicas:   s.Replicas,
	}
}

// StreamManager is the slice of jetstream.JetStream needed to ensure a stream.
type StreamManager interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EnsureStream creates the stream, or reconciles an existing one: missing subjects are added and
// max age, duplicate window and replicas are set to the spec when it gives them (zero leaves the
// server value). Subjects already bound to the stream are kept so other services sharing it are not
// cut off. The storage type of an existing stream cannot change and is only reported.
func EnsureStream(ctx context.Context, js StreamManager, spec StreamSpec, logger *slog.Logger) (jetstream.Stream, error) {
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := js.Stream(ctx, spec.Name)
	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNotFound) {
			return nil, fmt.Errorf("get stream %s: %w", spec.Name, err)
		}

		stream, err = js.CreateStream(ctx, spec.config())
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", spec.Name, err)
		}

		logger.Info("created JetStream stream", "stream", spec.Name, "subjects", spec.Subjects)

		return stream, nil
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream info %s: %w", spec.Name, err)
	}

	cfg, changed := reconcile(info.Config, spec)

	if want := spec.config().Storage; spec.Storage != "" && cfg.Storage != want {
		logger.Warn("existing JetStream stream has a different storage type, keeping it",
			"stream", spec.Name, "storage", cfg.Storage, "configured", want)
	}

	if len(changed) == 0 {
		logger.Info("using existing JetStream stream", "stream", spec.Name)
		return stream, nil
	}

	stream, err = js.UpdateStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("update stream %s: %w", spec.Name, err)
	}

	logger.Info("updated JetStream stream", "stream", spec.Name, "changed", changed,
		"subjects", cfg.Subjects, "max_age", cfg.MaxAge, "duplicates", cfg.Duplicates, "replicas", cfg.Replicas)

	return stream, nil
}

// reconcile applies spec to the current stream config and names the fields it changed.
func reconcile(cfg jetstream.StreamConfig, spec StreamSpec) (jetstream.StreamConfig, []string) {
	var changed []string

	for _, s := range spec.Subjects {
		if !slices.Contains(cfg.Subjects, s) {
			cfg.Subjects = append(cfg.Subjects, s)

			if !slices.Contains(changed, "subjects") {
				changed = append(changed, "subjects")
			}
		}
	}

	if spec.MaxAge > 0 && cfg.MaxAge != spec.MaxAge {
		cfg.MaxAge = spec.MaxAge
		changed = append(changed, "max_age")
	}

	if spec.Duplicates > 0 && cfg.Duplicates != spec.Duplicates {
		cfg.Duplicates = spec.Duplicates
		changed = append(changed, "duplicates")
	}

	if spec.Replicas > 0 && cfg.Replicas != spec.Replicas {
		cfg.Replicas = spec.Replicas
		changed = append(changed, "replicas")
	}

	return cfg, changed
}

// EnsureStream runs EnsureStream against the managed connection.
func (m *Manager) EnsureStream(ctx context.Context, spec StreamSpec) (jetstream.Stream, error) {
	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	return EnsureStream(ctx, js, spec, m.logger)
}
