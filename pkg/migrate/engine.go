package migrate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"wirtbot/pkg/model"
	"wirtbot/pkg/version"
)

type boundStep struct {
	Step
	before *semver.Version
}

// Engine runs the version-gated step chain.
type Engine struct {
	current *semver.Version
	oldest  *semver.Version
	steps   []boundStep
}

// New builds an engine targeting current. Steps are ordered by their bound;
// a step bound above current is rejected.
func New(current string, steps ...Step) (*Engine, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("current version %q: %w", current, err)
	}
	e := &Engine{current: cur, oldest: semver.MustParse(version.Oldest)}
	for _, s := range steps {
		before, err := semver.NewVersion(s.Before)
		if err != nil {
			return nil, fmt.Errorf("step %q bound %q: %w", s.Name, s.Before, err)
		}
		if before.GreaterThan(cur) {
			return nil, fmt.Errorf("step %q bound %s is above current %s", s.Name, before, cur)
		}
		e.steps = append(e.steps, boundStep{Step: s, before: before})
	}
	sort.SliceStable(e.steps, func(i, j int) bool {
		return e.steps[i].before.LessThan(e.steps[j].before)
	})
	return e, nil
}

// Default is the engine for this build's schema.
func Default() *Engine {
	e, err := New(version.Schema, DefaultSteps()...)
	if err != nil {
		panic(err)
	}
	return e
}

// Current is the version every migrated topology carries.
func (e *Engine) Current() string {
	return e.current.Original()
}

// Declared parses the version a document claims. Missing or unparsable
// versions are treated as the oldest supported one.
func (e *Engine) Declared(doc Document) *semver.Version {
	v, err := semver.NewVersion(versionString(doc["version"]))
	if err != nil {
		return e.oldest
	}
	return v
}

// Pending lists the names of the steps that would run for declared.
func (e *Engine) Pending(declared *semver.Version) []string {
	var names []string
	for _, s := range e.steps {
		if declared.LessThan(s.before) {
			names = append(names, s.Name)
		}
	}
	return names
}

// Migrate decodes raw backup JSON and upgrades it. The installer writes its
// state as a JSON string holding the document; that string is unwrapped once.
// Every failure wraps ErrUnmigratableBackup.
func (e *Engine) Migrate(raw []byte) (model.Topology, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return model.Topology{}, fmt.Errorf("%w: decode: %w", model.ErrUnmigratableBackup, err)
		}
		raw = []byte(inner)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Topology{}, fmt.Errorf("%w: decode: %w", model.ErrUnmigratableBackup, err)
	}
	if doc == nil {
		return model.Topology{}, fmt.Errorf("%w: backup is not an object", model.ErrUnmigratableBackup)
	}
	return e.MigrateDocument(doc)
}

// MigrateDocument upgrades doc in place and returns the validated topology.
func (e *Engine) MigrateDocument(doc Document) (model.Topology, error) {
	declared := e.Declared(doc)
	if declared.GreaterThan(e.current) {
		return model.Topology{}, fmt.Errorf("%w: version %s is newer than supported %s", model.ErrUnmigratableBackup, declared, e.current)
	}
	for _, s := range e.steps {
		if !declared.LessThan(s.before) {
			continue
		}
		if err := s.Apply(doc); err != nil {
			return model.Topology{}, fmt.Errorf("%w: step %q: %w", model.ErrUnmigratableBackup, s.Name, err)
		}
	}
	doc["version"] = e.Current()

	b, err := json.Marshal(doc)
	if err != nil {
		return model.Topology{}, fmt.Errorf("%w: encode: %w", model.ErrUnmigratableBackup, err)
	}
	var t model.Topology
	if err := json.Unmarshal(b, &t); err != nil {
		return model.Topology{}, fmt.Errorf("%w: decode: %w", model.ErrUnmigratableBackup, err)
	}
	if t.Devices == nil {
		t.Devices = []model.Device{}
	}
	if err := t.Validate(); err != nil {
		return model.Topology{}, fmt.Errorf("%w: %w", model.ErrUnmigratableBackup, err)
	}
	return t, nil
}
