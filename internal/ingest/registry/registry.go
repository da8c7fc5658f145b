// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry loads workflow and parameter-set definitions from disk
// (§4.2 first half), lazily on first use, force-reloading once on a miss,
// and watching both directories so a file dropped in place is picked up
// without a process restart.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/soliplex/ingesterd/internal/ingest/model"
	ingesterrors "github.com/soliplex/ingesterd/pkg/errors"
)

// StepHandler is the handler bound to one workflow step or lifecycle
// event: a name, a retry cap, a reference to the procedure that runs it,
// and default parameters merged with the RunStep's own config.
type StepHandler struct {
	Name       string         `yaml:"name"`
	Retries    int            `yaml:"retries"`
	Method     string         `yaml:"method"`
	Parameters map[string]any `yaml:"parameters,omitempty"`
}

// WorkflowStep is one entry of a WorkflowDefinition's ordered item_steps
// sequence.
type WorkflowStep struct {
	StepType model.StepType `yaml:"step_type"`
	StepHandler `yaml:",inline"`
}

// WorkflowDefinition declares the ordered pipeline of steps a RunGroup's
// WorkflowRuns are built from, plus the lifecycle handlers fired at each
// GROUP/ITEM/STEP moment.
type WorkflowDefinition struct {
	ID              string                                   `yaml:"id"`
	Name            string                                   `yaml:"name"`
	Meta            map[string]string                        `yaml:"meta,omitempty"`
	ItemSteps       []WorkflowStep                           `yaml:"item_steps"`
	LifecycleEvents map[model.LifecycleEvent][]StepHandler   `yaml:"lifecycle_events,omitempty"`
}

// ParamSet declares one named, versionable set of step parameters.
// Missing step types default to an empty config.
type ParamSet struct {
	ID     string                              `yaml:"id"`
	Name   string                              `yaml:"name,omitempty"`
	Meta   map[string]string                   `yaml:"meta,omitempty"`
	Source string                              `yaml:"source,omitempty"`
	Config map[model.StepType]map[string]any   `yaml:"config,omitempty"`
}

// Registry holds the lazily-loaded, force-reload-on-miss workflow and
// param-set maps, each keyed by id.
type Registry struct {
	workflowDir string
	paramDir    string
	logger      *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*WorkflowDefinition
	params    map[string]*ParamSet

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// New returns a Registry that will load from workflowDir/*.yaml and
// paramDir/*.yaml on first use.
func New(workflowDir, paramDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workflowDir: workflowDir,
		paramDir:    paramDir,
		logger:      logger.With(slog.String("component", "registry")),
		done:        make(chan struct{}),
	}
}

// GetWorkflowDefinition resolves id (lazy-loading on first call), and
// force-reloads once on a miss before failing with NotFoundError.
func (r *Registry) GetWorkflowDefinition(id string) (*WorkflowDefinition, error) {
	if err := r.ensureWorkflows(false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	wf, ok := r.workflows[id]
	r.mu.RUnlock()
	if ok {
		return wf, nil
	}
	if err := r.ensureWorkflows(true); err != nil {
		return nil, err
	}
	r.mu.RLock()
	wf, ok = r.workflows[id]
	r.mu.RUnlock()
	if ok {
		return wf, nil
	}
	return nil, &ingesterrors.NotFoundError{Resource: "workflow_definition", ID: id}
}

// GetParamSet resolves id (lazy-loading on first call), and force-reloads
// once on a miss before failing with NotFoundError.
func (r *Registry) GetParamSet(id string) (*ParamSet, error) {
	if err := r.ensureParams(false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	ps, ok := r.params[id]
	r.mu.RUnlock()
	if ok {
		return ps, nil
	}
	if err := r.ensureParams(true); err != nil {
		return nil, err
	}
	r.mu.RLock()
	ps, ok = r.params[id]
	r.mu.RUnlock()
	if ok {
		return ps, nil
	}
	return nil, &ingesterrors.NotFoundError{Resource: "param_set", ID: id}
}

// ListWorkflowDefinitions returns every loaded workflow definition, loading
// the registry on first use.
func (r *Registry) ListWorkflowDefinitions() ([]*WorkflowDefinition, error) {
	if err := r.ensureWorkflows(false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*WorkflowDefinition, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	return out, nil
}

// ListParamSets returns every loaded parameter set, loading the registry on
// first use.
func (r *Registry) ListParamSets() ([]*ParamSet, error) {
	if err := r.ensureParams(false); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ParamSet, 0, len(r.params))
	for _, ps := range r.params {
		out = append(out, ps)
	}
	return out, nil
}

// CreateParamSet parses yamlContents as a ParamSet, forces its Source to
// "user" regardless of what the document says, and persists it as a new
// file under paramDir. It fails with a DuplicateError if id is already
// registered, built-in or user (§6 POST /workflow/param-sets).
func (r *Registry) CreateParamSet(yamlContents string) (*ParamSet, error) {
	if err := r.ensureParams(false); err != nil {
		return nil, err
	}

	var ps ParamSet
	if err := yaml.Unmarshal([]byte(yamlContents), &ps); err != nil {
		return nil, &ingesterrors.InvalidInputError{Field: "yaml_content", Message: err.Error()}
	}
	if ps.ID == "" {
		return nil, &ingesterrors.InvalidInputError{Field: "yaml_content", Message: "missing id"}
	}
	ps.Source = "user"

	r.mu.Lock()
	if _, dup := r.params[ps.ID]; dup {
		r.mu.Unlock()
		return nil, &ingesterrors.DuplicateError{Resource: "param_set", ID: ps.ID}
	}
	r.mu.Unlock()

	path := filepath.Join(r.paramDir, ps.ID+".yaml")
	data, err := yaml.Marshal(&ps)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal param set %s: %w", ps.ID, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("registry: write param set %s: %w", ps.ID, err)
	}

	if err := r.ensureParams(true); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params[ps.ID], nil
}

// DeleteParamSet removes a user-uploaded parameter set. Built-in param sets
// (Source != "user") cannot be deleted and yield a ForbiddenError (§6 DELETE
// /workflow/param-sets/{id}).
func (r *Registry) DeleteParamSet(id string) error {
	ps, err := r.GetParamSet(id)
	if err != nil {
		return err
	}
	if ps.Source != "user" {
		return &ingesterrors.ForbiddenError{Resource: "param_set", ID: id, Reason: "built-in parameter sets cannot be deleted"}
	}

	path := filepath.Join(r.paramDir, id+".yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("registry: remove param set %s: %w", id, err)
	}
	return r.ensureParams(true)
}

func (r *Registry) ensureWorkflows(force bool) error {
	r.mu.RLock()
	loaded := r.workflows != nil
	r.mu.RUnlock()
	if loaded && !force {
		return nil
	}
	reg, err := loadDir[WorkflowDefinition](r.workflowDir, func(wf *WorkflowDefinition) string { return wf.ID })
	if err != nil {
		return fmt.Errorf("registry: load workflows from %s: %w", r.workflowDir, err)
	}
	r.mu.Lock()
	r.workflows = reg
	r.mu.Unlock()
	return nil
}

func (r *Registry) ensureParams(force bool) error {
	r.mu.RLock()
	loaded := r.params != nil
	r.mu.RUnlock()
	if loaded && !force {
		return nil
	}
	reg, err := loadDir[ParamSet](r.paramDir, func(ps *ParamSet) string { return ps.ID })
	if err != nil {
		return fmt.Errorf("registry: load param sets from %s: %w", r.paramDir, err)
	}
	for _, ps := range reg {
		if ps.Source == "" {
			ps.Source = "app"
		}
	}
	r.mu.Lock()
	r.params = reg
	r.mu.Unlock()
	return nil
}

// loadDir globs dir for *.yaml files, unmarshals each into T, and indexes
// the results by idOf(entry); a duplicate id within the directory fails
// the whole load.
func loadDir[T any](dir string, idOf func(*T) string) (map[string]*T, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	reg := make(map[string]*T, len(matches))
	for _, path := range matches {
		var entry T
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &entry); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		id := idOf(&entry)
		if _, dup := reg[id]; dup {
			return nil, fmt.Errorf("duplicate id %q in %s", id, dir)
		}
		reg[id] = &entry
	}
	return reg, nil
}

// Watch starts filesystem watchers on both configured directories; any
// create/write/remove event force-reloads the corresponding registry half
// on next access. It returns once the watchers are installed; the
// goroutine that services events runs until ctx is cancelled or Close is
// called.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}
	for _, dir := range []string{r.workflowDir, r.paramDir} {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("registry: watch %s: %w", dir, err)
		}
	}
	r.watcher = w

	go r.watchLoop(ctx)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".yaml" {
				continue
			}
			r.invalidate(event.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("registry watch error", slog.Any("error", err))
		}
	}
}

func (r *Registry) invalidate(path string) {
	dir := filepath.Dir(path)
	switch {
	case sameDir(dir, r.workflowDir):
		r.logger.Info("reloading workflow registry", slog.String("path", path))
		if err := r.ensureWorkflows(true); err != nil {
			r.logger.Error("reload workflows failed", slog.Any("error", err))
		}
	case sameDir(dir, r.paramDir):
		r.logger.Info("reloading param registry", slog.String("path", path))
		if err := r.ensureParams(true); err != nil {
			r.logger.Error("reload params failed", slog.Any("error", err))
		}
	}
}

func sameDir(a, b string) bool {
	aAbs, errA := filepath.Abs(a)
	bAbs, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return aAbs == bAbs
}

// Close stops the filesystem watcher, if one was started by Watch.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	var err error
	r.stopOnce.Do(func() {
		err = r.watcher.Close()
	})
	return err
}
