package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// definitionsFile is the YAML layout of a workflow definitions file:
//
//	workflows:
//	  - id: reorder-widgets
//	    type: inventory_reordering
//	    trigger: {kind: schedule, frequency: daily}
//	    automation: {level: semi_automated, approval_threshold: 5000}
//	    parameters: ...
type definitionsFile struct {
	Workflows []*models.Workflow `yaml:"workflows"`
}

// LoadDefinitions reads and validates workflow definitions from path.
func LoadDefinitions(path string) ([]*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions decodes a definitions document. Unknown fields are
// rejected so typos do not silently drop settings.
func ParseDefinitions(data []byte) ([]*models.Workflow, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file definitionsFile
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse workflow definitions: %w", err)
	}

	seen := make(map[string]bool, len(file.Workflows))
	for i, wf := range file.Workflows {
		if wf == nil {
			return nil, fmt.Errorf("workflow definition %d is empty", i)
		}
		if wf.ID != "" {
			if seen[wf.ID] {
				return nil, fmt.Errorf("workflow definition %d: duplicate id %q", i, wf.ID)
			}
			seen[wf.ID] = true
		}
		if err := Validate(wf); err != nil {
			return nil, fmt.Errorf("workflow definition %d (%s): %w", i, wf.Name, err)
		}
	}
	return file.Workflows, nil
}

// Bootstrap registers definitions whose ID is not known yet. Definitions
// already restored from the store keep their stored state.
func (e *Engine) Bootstrap(ctx context.Context, defs []*models.Workflow) []models.BatchItemResult {
	var failures []models.BatchItemResult
	for _, def := range defs {
		if def.ID != "" {
			if _, err := e.repo.Get(ctx, def.ID); err == nil {
				continue
			}
		}
		if _, err := e.Register(ctx, def); err != nil {
			failures = append(failures, models.BatchItemResult{Target: def.ID, Error: err.Error()})
			e.logger.Warn("failed to register workflow definition", zap.String("workflow_id", def.ID), zap.Error(err))
		}
	}
	return failures
}
