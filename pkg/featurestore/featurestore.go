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

// Package featurestore offers named per-entity feature persistence on top
// of the datastore's feature_store table.
package featurestore

import (
	"context"

	"go.uber.org/zap"

	"github.com/jordigilh/driftwatch/pkg/datastore"
)

// DefaultGroup is used when the caller does not name a feature group.
const DefaultGroup = "default"

// FeatureStore reads and writes entity features.
type FeatureStore struct {
	store  datastore.Store
	logger *zap.Logger
}

// New builds a feature store over the shared datastore.
func New(store datastore.Store, logger *zap.Logger) *FeatureStore {
	return &FeatureStore{store: store, logger: logger}
}

// StoreFeatures persists one value per feature name for the entity.
func (f *FeatureStore) StoreFeatures(ctx context.Context, entityID string, features map[string]float64, group string) error {
	if group == "" {
		group = DefaultGroup
	}
	if err := f.store.StoreFeatures(ctx, entityID, group, features); err != nil {
		return err
	}
	f.logger.Debug("features stored",
		zap.String("entity_id", entityID),
		zap.Int("count", len(features)))
	return nil
}

// GetFeatures returns the latest value per feature name for the entity.
func (f *FeatureStore) GetFeatures(ctx context.Context, entityID, group string) (map[string]float64, error) {
	if group == "" {
		group = DefaultGroup
	}
	return f.store.GetFeatures(ctx, entityID, group)
}
