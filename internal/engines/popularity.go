// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

package engines

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/params"
	"github.com/aviary-ml/aviary/internal/validation"
)

// FactoryPopularity is the registered name of the popularity engine.
const FactoryPopularity = "popularity"

const defaultHalfLifeDays = 30

// popularityConfig is the engine's sub-tree at "algorithm".
type popularityConfig struct {
	EventNames   []string `json:"eventNames" validate:"omitempty,dive,min=1,max=128"`
	HalfLifeDays float64  `json:"halfLifeDays" validate:"omitempty,gt=0,max=3650"`
}

type observation struct {
	Item string
	At   time.Time
}

// Popularity ranks items by time-decayed event volume. Events only
// accumulate in the dataset; an explicit train call produces a new score
// table, so the engine runs under the periodic discipline alone.
type Popularity struct {
	id string

	mu  sync.RWMutex
	cfg popularityConfig

	accept map[string]bool
	obs    []observation

	// Model: decayed score per item, replaced wholesale on train.
	scores map[string]float64

	clock func() time.Time
}

// NewPopularity constructs an empty popularity engine instance.
func NewPopularity(id string) engine.Engine {
	return &Popularity{
		id:     id,
		scores: make(map[string]float64),
		clock:  time.Now,
	}
}

func (p *Popularity) ID() string { return p.id }

// Init applies the "algorithm" sub-tree. As with the dataset semantics
// elsewhere, eventNames cannot change once events have accumulated.
func (p *Popularity) Init(ctx context.Context, raw json.RawMessage) error {
	cfg := popularityConfig{HalfLifeDays: defaultHalfLifeDays}
	if sub := params.Subtree(raw, "algorithm"); sub != nil {
		if err := json.Unmarshal(sub, &cfg); err != nil {
			return validation.NewError("algorithm", "json", fmt.Sprintf("algorithm config: %v", err))
		}
		if cfg.HalfLifeDays == 0 {
			cfg.HalfLifeDays = defaultHalfLifeDays
		}
	}
	if err := validation.ValidateStruct(&cfg); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.obs) > 0 && !equalNames(p.cfg.EventNames, cfg.EventNames) {
		return fmt.Errorf("%w: eventNames cannot change on a populated dataset", engine.ErrUnsupportedUpdate)
	}

	p.cfg = cfg
	p.accept = nameSet(cfg.EventNames)
	return nil
}

// Destroy drops all dataset and model state.
func (p *Popularity) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.obs = nil
	p.scores = make(map[string]float64)
	return nil
}

// Input accumulates the event. The ranked event counts the target entity
// when present, otherwise the primary entity.
func (p *Popularity) Input(ctx context.Context, event engine.Event) error {
	item := event.TargetEntityID
	if item == "" {
		item = event.EntityID
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.accepts(event.Name) {
		return nil
	}
	p.obs = append(p.obs, observation{Item: item, At: event.EventTime})
	return nil
}

// Train computes a fresh score table with exponential time decay. Each
// observation contributes 2^(-age/halfLife). A failed or cancelled run
// leaves the previous table serveable.
func (p *Popularity) Train(ctx context.Context) error {
	p.mu.RLock()
	obs := append([]observation(nil), p.obs...)
	halfLife := p.cfg.HalfLifeDays
	p.mu.RUnlock()

	now := p.clock().UTC()
	scores := make(map[string]float64)
	for i := range obs {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		ageDays := now.Sub(obs[i].At).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		scores[obs[i].Item] += math.Exp2(-ageDays / halfLife)
	}

	p.mu.Lock()
	p.scores = scores
	p.mu.Unlock()
	return nil
}

type popularityQuery struct {
	Num int `json:"num" validate:"omitempty,min=1,max=1000"`
}

// Query returns the top num items from the last trained score table.
func (p *Popularity) Query(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var q popularityQuery
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, validation.NewError("", "json", fmt.Sprintf("query: %v", err))
		}
		if err := validation.ValidateStruct(&q); err != nil {
			return nil, err
		}
	}
	if q.Num == 0 {
		q.Num = 10
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	ranked := make([]scoredItem, 0, len(p.scores))
	for item, s := range p.scores {
		ranked = append(ranked, scoredItem{ItemID: item, Score: s})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ItemID < ranked[j].ItemID
	})
	if len(ranked) > q.Num {
		ranked = ranked[:q.Num]
	}

	return json.Marshal(rankedResult{Result: ranked})
}

func (p *Popularity) accepts(name string) bool {
	return len(p.accept) == 0 || p.accept[name]
}
