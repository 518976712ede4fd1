// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engines

import "github.com/aviary-ml/aviary/internal/engine"

// Compile-time capability checks. Covisit runs mixed, Popularity runs
// periodic only and rejects reserved property events.
var (
	_ engine.Engine             = (*Covisit)(nil)
	_ engine.IncrementalLearner = (*Covisit)(nil)
	_ engine.BatchTrainer       = (*Covisit)(nil)
	_ engine.PropertyMutator    = (*Covisit)(nil)

	_ engine.Engine       = (*Popularity)(nil)
	_ engine.BatchTrainer = (*Popularity)(nil)
)

// Register installs every compiled-in engine factory.
func Register(reg *engine.FactoryRegistry) {
	reg.Register(FactoryCovisit, NewCovisit)
	reg.Register(FactoryPopularity, NewPopularity)
}
