package configsvc

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/alicia-home/alicia/internal/bus"
	"github.com/alicia-home/alicia/internal/fault"
)

// selfWriteGrace is how long after one of our own file writes a watcher
// event for that path is treated as an echo rather than an external edit.
const selfWriteGrace = 2 * time.Second

// Service is the configuration service proper: store plus history plus the
// bus and watcher plumbing.
type Service struct {
	store       *Store
	history     *History
	conn        bus.Conn
	environment string
	logger      *slog.Logger

	selfMu     sync.Mutex
	selfWrites map[string]time.Time
}

// New assembles the service. conn may be nil for tests that only exercise
// the store and HTTP surface.
func New(store *Store, conn bus.Conn, environment string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		history:     NewHistory(),
		conn:        conn,
		environment: environment,
		logger:      logger.With("component", "configsvc"),
		selfWrites:  make(map[string]time.Time),
	}
}

// Attach subscribes the bus pull endpoints: per-service requests and global
// requests, each answered on the requester's response topic.
func (s *Service) Attach(ctx context.Context, conn bus.Conn) error {
	if err := conn.Subscribe(ctx, bus.TopicConfigRequest, s.onRequest); err != nil {
		return err
	}
	return conn.Subscribe(ctx, bus.TopicConfigGlobalRequest, s.onGlobalRequest)
}

func (s *Service) onRequest(ctx context.Context, _ string, env *bus.Envelope) {
	var req struct {
		Service string `json:"service"`
	}
	if len(env.Payload) > 0 {
		if err := env.DecodePayload(&req); err != nil {
			s.replyError(ctx, env, err)
			return
		}
	}
	service := req.Service
	if service == "" {
		service = env.Source
	}
	s.reply(ctx, env, map[string]any{
		"service": service,
		"config":  s.Get(service),
	})
}

func (s *Service) onGlobalRequest(ctx context.Context, _ string, env *bus.Envelope) {
	s.reply(ctx, env, map[string]any{"config": s.Get("")})
}

func (s *Service) reply(ctx context.Context, req *bus.Envelope, payload any) {
	out, err := bus.Reply(req, s.conn.ServiceName(), payload)
	if err != nil {
		s.logger.Error("build config reply", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.ConfigResponseTopic(req.Source), out); err != nil {
		s.logger.Warn("config reply publish failed", "requester", req.Source, "error", err)
	}
}

func (s *Service) replyError(ctx context.Context, req *bus.Envelope, cause error) {
	out, err := bus.ErrorReply(req, s.conn.ServiceName(), cause)
	if err != nil {
		return
	}
	if err := s.conn.Publish(ctx, bus.ConfigResponseTopic(req.Source), out); err != nil {
		s.logger.Warn("config error reply publish failed", "requester", req.Source, "error", err)
	}
}

// Get resolves the effective configuration for a service; with service
// empty it resolves global plus the environment overlay.
func (s *Service) Get(service string) map[string]any {
	return s.store.Merged(service, s.environment)
}

// ServiceNames lists the services carrying an overlay.
func (s *Service) ServiceNames() []string { return s.store.ServiceNames() }

// HistoryFor returns the retained change log for one service.
func (s *Service) HistoryFor(service string) []HistoryEntry { return s.history.For(service) }

// UpdateService validates cfg against the service's schema when one exists,
// persists it, records history, and pushes the update envelope. Validation
// failure commits nothing.
func (s *Service) UpdateService(ctx context.Context, name string, cfg map[string]any) error {
	if err := s.store.SchemaFor(name).Validate(cfg); err != nil {
		return err
	}
	old, path, err := s.store.SetService(name, cfg)
	if err != nil {
		return fault.Wrap(fault.Internal, "persist service config", err)
	}
	s.markSelfWrite(path)
	s.history.Append(HistoryEntry{Service: name, Action: "update", Old: old, New: Clone(cfg)})
	s.publishUpdate(ctx, name, cfg)
	return nil
}

// UpdateGlobal deep-merges cfg into the global configuration, persists,
// records history, and pushes to the global update topic.
func (s *Service) UpdateGlobal(ctx context.Context, cfg map[string]any) error {
	old, merged, path, err := s.store.MergeGlobal(cfg)
	if err != nil {
		return fault.Wrap(fault.Internal, "persist global config", err)
	}
	s.markSelfWrite(path)
	s.history.Append(HistoryEntry{Service: "global", Action: "update", Old: old, New: merged})
	s.publishUpdate(ctx, "global", merged)
	return nil
}

// Backup snapshots the store and records the action.
func (s *Service) Backup() (string, error) {
	path, err := s.store.Backup()
	if err != nil {
		return "", fault.Wrap(fault.Internal, "backup config", err)
	}
	s.markSelfWrite(path)
	s.history.Append(HistoryEntry{Service: "global", Action: "backup"})
	return path, nil
}

func (s *Service) publishUpdate(ctx context.Context, name string, cfg map[string]any) {
	if s.conn == nil {
		return
	}
	env, err := bus.New(s.conn.ServiceName(), bus.TypeEvent, map[string]any{
		"service": name,
		"config":  cfg,
	})
	if err != nil {
		s.logger.Error("build config update", "error", err)
		return
	}
	if err := s.conn.Publish(ctx, bus.ConfigUpdateTopic(name), env); err != nil {
		s.logger.Warn("config update publish failed", "service", name, "error", err)
	}
}

// --- External edit watcher ---

func (s *Service) markSelfWrite(path string) {
	s.selfMu.Lock()
	s.selfWrites[filepath.Clean(path)] = time.Now()
	s.selfMu.Unlock()
}

func (s *Service) isSelfWrite(path string) bool {
	s.selfMu.Lock()
	defer s.selfMu.Unlock()
	t, ok := s.selfWrites[filepath.Clean(path)]
	if !ok {
		return false
	}
	if time.Since(t) > selfWriteGrace {
		delete(s.selfWrites, filepath.Clean(path))
		return false
	}
	return true
}

// Watch re-loads externally edited config files and pushes the same update
// envelopes an API update would, so hand edits propagate live. It blocks
// until ctx is cancelled.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fault.Wrap(fault.Internal, "create config watcher", err)
	}
	defer w.Close()

	for _, sub := range []string{"", "services", "environments", "schemas"} {
		if err := w.Add(filepath.Join(s.store.Dir(), sub)); err != nil {
			return fault.Wrap(fault.Internal, "watch config dir", err)
		}
	}
	s.logger.Info("watching config dir", "dir", s.store.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if strings.HasSuffix(ev.Name, ".tmp") || s.isSelfWrite(ev.Name) {
				continue
			}
			s.handleExternalEdit(ctx, ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Service) handleExternalEdit(ctx context.Context, path string) {
	kind, name, changed, err := s.store.Reload(path)
	if err != nil {
		s.logger.Warn("external config edit rejected", "path", path, "error", err)
		return
	}
	if !changed {
		return
	}
	s.logger.Info("external config edit applied", "kind", kind, "name", name)

	switch kind {
	case "global":
		s.history.Append(HistoryEntry{Service: "global", Action: "reload", New: s.store.Global()})
		s.publishUpdate(ctx, "global", s.store.Global())
	case "service":
		cfg, _ := s.store.Service(name)
		s.history.Append(HistoryEntry{Service: name, Action: "reload", New: cfg})
		s.publishUpdate(ctx, name, cfg)
	case "environment":
		// Overlay changes alter every service's merged view; push global so
		// watchers re-fetch.
		s.publishUpdate(ctx, "global", s.store.Global())
	}
}
