/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package prediction

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/queue"
)

// Reloader swaps in newly promoted models without a restart. Two signals
// feed it: the model_update cache key the retraining worker publishes, and
// filesystem events on the artifact directory. Either one triggers a
// ReloadModel; a reload that races ahead of the registry update is
// harmless because ReloadModel re-resolves the deployed row.
type Reloader struct {
	svc          *Service
	queues       *queue.Client
	logger       *zap.Logger
	modelsDir    string
	pollInterval time.Duration
}

// NewReloader builds a reloader polling model_update every pollInterval.
func NewReloader(svc *Service, queues *queue.Client, modelsDir string, pollInterval time.Duration, logger *zap.Logger) *Reloader {
	if pollInterval <= 0 {
		pollInterval = 15 * time.Second
	}
	return &Reloader{
		svc:          svc,
		queues:       queues,
		logger:       logger,
		modelsDir:    modelsDir,
		pollInterval: pollInterval,
	}
}

// Run blocks until ctx is cancelled. Errors are logged, never fatal.
func (r *Reloader) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Warn("artifact watcher unavailable, relying on cache polling", zap.Error(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(r.modelsDir); err != nil {
			r.logger.Warn("watching artifact directory failed",
				zap.String("dir", r.modelsDir), zap.Error(err))
		}
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher != nil {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.checkCache(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if isArtifactCreate(ev) {
				r.logger.Info("new model artifact observed", zap.String("path", ev.Name))
				r.reload(ctx)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.logger.Warn("artifact watcher error", zap.Error(err))
		}
	}
}

func (r *Reloader) checkCache(ctx context.Context) {
	var update queue.ModelUpdate
	hit, err := r.queues.GetJSON(ctx, queue.ModelUpdateKey, &update)
	if err != nil {
		r.logger.Warn("model_update poll failed", zap.Error(err))
		return
	}
	if !hit || update.Version == "" || update.Version == r.svc.ModelVersion() {
		return
	}
	r.logger.Info("model update observed",
		zap.String("new_version", update.Version),
		zap.String("current_version", r.svc.ModelVersion()))
	r.reload(ctx)
}

func (r *Reloader) reload(ctx context.Context) {
	if _, err := r.svc.ReloadModel(ctx); err != nil && !errors.Is(err, ErrNoModel) {
		r.logger.Error("automatic model reload failed", zap.Error(err))
	}
}

func isArtifactCreate(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := ev.Name
	return strings.Contains(name, "model_") && strings.HasSuffix(name, ".json")
}
