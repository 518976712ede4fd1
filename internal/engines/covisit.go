// Aviary - Multi-Tenant Machine Learning Engine Host
// Copyright 2026 The Aviary Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/aviary-ml/aviary

// Package engines holds the compiled-in engine types served by the host.
// Each engine reads its own configuration sub-tree from the instance
// parameter document and is registered under a stable factory name.
package engines

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/aviary-ml/aviary/internal/engine"
	"github.com/aviary-ml/aviary/internal/params"
	"github.com/aviary-ml/aviary/internal/validation"
)

// FactoryCovisit is the registered name of the co-visitation engine.
const FactoryCovisit = "covisit"

const defaultMaxCorrelators = 50

// covisitConfig is the engine's sub-tree at "algorithm".
type covisitConfig struct {
	// EventNames restricts which event verbs enter the dataset. Empty
	// means all verbs are accepted.
	EventNames []string `json:"eventNames" validate:"omitempty,dive,min=1,max=128"`

	// MaxCorrelators bounds how many correlated items are kept per item.
	MaxCorrelators int `json:"maxCorrelators" validate:"omitempty,min=1,max=10000"`
}

type interaction struct {
	Entity string
	Target string
}

// Covisit recommends items that co-occur with a queried item across
// entity histories. It learns both continuously (each accepted event
// immediately extends the co-occurrence counts) and in batch (train
// rebuilds the counts from the accumulated dataset), so it runs under
// the mixed discipline.
type Covisit struct {
	id string

	mu     sync.RWMutex
	cfg    covisitConfig
	accept map[string]bool

	// Dataset: ordered interactions plus per-entity item history.
	events    []interaction
	histories map[string][]string

	// Model: co-occurrence counts, item -> correlated item -> count.
	counts map[string]map[string]int

	// Entity properties maintained through $set/$delete.
	props map[string]map[string]json.RawMessage
}

// NewCovisit constructs an empty co-visitation engine instance.
func NewCovisit(id string) engine.Engine {
	return &Covisit{
		id:        id,
		histories: make(map[string][]string),
		counts:    make(map[string]map[string]int),
		props:     make(map[string]map[string]json.RawMessage),
	}
}

func (c *Covisit) ID() string { return c.id }

// Init applies the "algorithm" sub-tree. Changing eventNames once the
// dataset is populated would silently re-interpret already-folded events,
// so that change is rejected and the previous configuration stays in
// effect.
func (c *Covisit) Init(ctx context.Context, raw json.RawMessage) error {
	cfg := covisitConfig{MaxCorrelators: defaultMaxCorrelators}
	if sub := params.Subtree(raw, "algorithm"); sub != nil {
		if err := json.Unmarshal(sub, &cfg); err != nil {
			return validation.NewError("algorithm", "json", fmt.Sprintf("algorithm config: %v", err))
		}
		if cfg.MaxCorrelators == 0 {
			cfg.MaxCorrelators = defaultMaxCorrelators
		}
	}
	if err := validation.ValidateStruct(&cfg); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.events) > 0 && !equalNames(c.cfg.EventNames, cfg.EventNames) {
		return fmt.Errorf("%w: eventNames cannot change on a populated dataset", engine.ErrUnsupportedUpdate)
	}

	c.cfg = cfg
	c.accept = nameSet(cfg.EventNames)
	return nil
}

// Destroy drops all dataset and model state.
func (c *Covisit) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
	c.histories = make(map[string][]string)
	c.counts = make(map[string]map[string]int)
	c.props = make(map[string]map[string]json.RawMessage)
	return nil
}

// Input appends the event to the dataset without touching the model.
func (c *Covisit) Input(ctx context.Context, event engine.Event) error {
	if event.TargetEntityID == "" {
		return fmt.Errorf("event %q has no target entity", event.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepts(event.Name) {
		return nil
	}
	c.fold(event.EntityID, event.TargetEntityID)
	return nil
}

// UpdateIncremental extends the co-occurrence counts with the entity's
// prior history. When the input path already folded this event into the
// dataset, the fold is not repeated. The orchestrator serializes these
// calls per instance.
func (c *Covisit) UpdateIncremental(ctx context.Context, event engine.Event) error {
	if event.TargetEntityID == "" {
		return fmt.Errorf("event %q has no target entity", event.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accepts(event.Name) {
		return nil
	}

	h := c.histories[event.EntityID]
	var prior []string
	if n := len(h); n > 0 && h[n-1] == event.TargetEntityID {
		prior = h[:n-1]
	} else {
		prior = h
		c.fold(event.EntityID, event.TargetEntityID)
	}

	for _, seen := range prior {
		if seen == event.TargetEntityID {
			continue
		}
		c.bump(event.TargetEntityID, seen)
		c.bump(seen, event.TargetEntityID)
	}
	return nil
}

// Train rebuilds the co-occurrence counts from the full dataset. A
// cancelled run leaves the previous counts serveable.
func (c *Covisit) Train(ctx context.Context) error {
	c.mu.RLock()
	histories := make([][]string, 0, len(c.histories))
	for _, h := range c.histories {
		histories = append(histories, append([]string(nil), h...))
	}
	c.mu.RUnlock()

	counts := make(map[string]map[string]int)
	for _, items := range histories {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i, a := range items {
			for _, b := range items[i+1:] {
				if a == b {
					continue
				}
				bumpInto(counts, a, b)
				bumpInto(counts, b, a)
			}
		}
	}

	c.mu.Lock()
	c.counts = counts
	c.mu.Unlock()
	return nil
}

// MutateProperties applies a reserved $set or $delete event to the
// target entity's property map.
func (c *Covisit) MutateProperties(ctx context.Context, event engine.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch event.Name {
	case engine.EventSetProperties:
		m := c.props[event.EntityID]
		if m == nil {
			m = make(map[string]json.RawMessage)
			c.props[event.EntityID] = m
		}
		for k, v := range event.Properties {
			m[k] = v
		}
	case engine.EventDeleteProperties:
		if len(event.Properties) == 0 {
			delete(c.props, event.EntityID)
			return nil
		}
		for k := range event.Properties {
			delete(c.props[event.EntityID], k)
		}
	default:
		return fmt.Errorf("%w: %q", engine.ErrEventUnsupported, event.Name)
	}
	return nil
}

// covisitQuery asks for items correlated with one item.
type covisitQuery struct {
	EntityID string `json:"entityId" validate:"required,max=256"`
	Num      int    `json:"num" validate:"omitempty,min=1,max=1000"`
}

type scoredItem struct {
	ItemID string  `json:"itemId"`
	Score  float64 `json:"score"`
}

type rankedResult struct {
	Result []scoredItem `json:"result"`
}

// Query returns up to num items most correlated with the queried item,
// highest count first. Items whose "unavailable" property is true are
// filtered out.
func (c *Covisit) Query(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var q covisitQuery
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, validation.NewError("", "json", fmt.Sprintf("query: %v", err))
	}
	if err := validation.ValidateStruct(&q); err != nil {
		return nil, err
	}
	if q.Num == 0 {
		q.Num = 10
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	ranked := make([]scoredItem, 0, len(c.counts[q.EntityID]))
	for item, n := range c.counts[q.EntityID] {
		if c.unavailable(item) {
			continue
		}
		ranked = append(ranked, scoredItem{ItemID: item, Score: float64(n)})
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

// fold records one interaction. Caller holds c.mu.
func (c *Covisit) fold(entity, target string) {
	c.events = append(c.events, interaction{Entity: entity, Target: target})
	c.histories[entity] = append(c.histories[entity], target)
}

// bump increments one directed co-occurrence count, respecting the
// per-item correlator bound. Caller holds c.mu.
func (c *Covisit) bump(item, other string) {
	m := c.counts[item]
	if m == nil {
		m = make(map[string]int)
		c.counts[item] = m
	}
	if _, known := m[other]; !known && len(m) >= c.cfg.MaxCorrelators {
		return
	}
	m[other]++
}

func (c *Covisit) accepts(name string) bool {
	return len(c.accept) == 0 || c.accept[name]
}

func (c *Covisit) unavailable(item string) bool {
	raw, ok := c.props[item]["unavailable"]
	if !ok {
		return false
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return v
}

func bumpInto(counts map[string]map[string]int, item, other string) {
	m := counts[item]
	if m == nil {
		m = make(map[string]int)
		counts[item] = m
	}
	m[other]++
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
