// Package service contains application services.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quotaguard/quotaguard/internal/domain/policy"
	"github.com/quotaguard/quotaguard/internal/port/inbound"
)

// ErrNoPolicySource is returned by Reload when no policy file is configured.
var ErrNoPolicySource = errors.New("no policy file configured")

const reloadDebounce = 100 * time.Millisecond

// LoadPolicyFile reads, decodes and compiles a policy document.
func LoadPolicyFile(path string, compiler policy.ConditionCompiler) (*policy.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	snap, err := policy.Parse(data, compiler)
	if err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return snap, nil
}

// PolicyService loads the policy file into a Holder and swaps in new
// snapshots on reload. A failed reload keeps the previous snapshot.
type PolicyService struct {
	path     string
	compiler policy.ConditionCompiler
	holder   *policy.Holder
	logger   *slog.Logger
	metrics  *Metrics

	// reloadMu serializes reloads; readers never take it.
	reloadMu sync.Mutex

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPolicyService creates a policy service. path may be empty, in which
// case the holder keeps the default snapshot.
func NewPolicyService(path string, compiler policy.ConditionCompiler, holder *policy.Holder, logger *slog.Logger, metrics *Metrics) *PolicyService {
	return &PolicyService{
		path:     path,
		compiler: compiler,
		holder:   holder,
		logger:   logger,
		metrics:  metrics,
	}
}

// Holder returns the snapshot holder read by the resolver.
func (s *PolicyService) Holder() *policy.Holder {
	return s.holder
}

// Reload re-reads the policy file and publishes it.
func (s *PolicyService) Reload(_ context.Context) (string, error) {
	if s.path == "" {
		return "", ErrNoPolicySource
	}
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	snap, err := LoadPolicyFile(s.path, s.compiler)
	if err != nil {
		s.recordReload("error")
		s.logger.Error("policy reload failed, keeping previous snapshot",
			"path", s.path,
			"fingerprint", s.holder.Load().Fingerprint,
			"error", err)
		return "", err
	}

	prev := s.holder.Swap(snap)
	s.recordReload("ok")
	if prev.Fingerprint == snap.Fingerprint {
		s.logger.Debug("policy unchanged", "fingerprint", snap.Fingerprint)
	} else {
		s.logger.Info("policy loaded",
			"path", s.path,
			"fingerprint", snap.Fingerprint,
			"previous", prev.Fingerprint,
			"classes", len(snap.Policies))
	}
	return snap.Fingerprint, nil
}

func (s *PolicyService) recordReload(result string) {
	if s.metrics != nil {
		s.metrics.PolicyReloads.WithLabelValues(result).Inc()
	}
}

// Fingerprint identifies the active snapshot.
func (s *PolicyService) Fingerprint() string {
	return s.holder.Load().Fingerprint
}

// Watch reloads the policy when the file is written or replaced. Changes
// are debounced. The watcher stops when ctx is cancelled or Stop is called.
func (s *PolicyService) Watch(ctx context.Context) error {
	if s.path == "" {
		return ErrNoPolicySource
	}
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the directory: editors and config maps replace files by rename.
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.watchLoop(ctx, w, filepath.Base(abs))

	s.logger.Info("watching policy file", "path", abs)
	return nil
}

func (s *PolicyService) watchLoop(ctx context.Context, w *fsnotify.Watcher, name string) {
	defer s.wg.Done()
	defer func() { _ = w.Close() }()

	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(reloadDebounce)
			}

		case <-timer.C:
			_, _ = s.Reload(ctx)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Error("policy watcher error", "error", err)
		}
	}
}

// Stop stops the watcher and waits for it to exit.
func (s *PolicyService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Compile-time interface verification.
var _ inbound.PolicyAdmin = (*PolicyService)(nil)
