package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const maxUpdateAttempts = 3

// Repository is the engine's view of workflow definitions. Each workflow has a
// single in-process writer (a per-ID mutex); the store's version column
// catches writers in other processes. Store failures other than version
// conflicts are logged and swallowed so the in-memory state keeps moving.
type Repository struct {
	store  gateway.WorkflowStore
	logger *zap.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]*models.Workflow
	locks map[string]*sync.Mutex
}

// NewRepository wraps store.
func NewRepository(store gateway.WorkflowStore, logger *zap.Logger) *Repository {
	return &Repository{
		store:  store,
		logger: logging.OrNop(logger).Named("workflow-repo"),
		now:    func() time.Time { return time.Now().UTC() },
		cache:  make(map[string]*models.Workflow),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Load fills the cache from the store.
func (r *Repository) Load(ctx context.Context) error {
	list, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, wf := range list {
		r.cache[wf.ID] = wf
	}
	return nil
}

func (r *Repository) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Create stores a new workflow. An ID already in use is a validation error.
func (r *Repository) Create(ctx context.Context, wf *models.Workflow) error {
	l := r.lock(wf.ID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	_, exists := r.cache[wf.ID]
	r.mu.Unlock()
	if exists {
		return &models.ValidationError{Field: "id", Message: fmt.Sprintf("workflow %s already exists", wf.ID)}
	}

	saved := wf.Clone()
	if err := r.store.SaveWorkflow(ctx, saved, 0); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return &models.ValidationError{Field: "id", Message: fmt.Sprintf("workflow %s already exists", wf.ID)}
		}
		// Version 0 makes the next update retry the insert.
		r.persistenceFailed(wf.ID, err)
	}
	wf.Version = saved.Version

	r.mu.Lock()
	r.cache[wf.ID] = saved
	r.mu.Unlock()
	return nil
}

// Get returns a copy of the workflow.
func (r *Repository) Get(ctx context.Context, id string) (*models.Workflow, error) {
	r.mu.Lock()
	wf, ok := r.cache[id]
	r.mu.Unlock()
	if ok {
		return wf.Clone(), nil
	}

	wf, err := r.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if cur, ok := r.cache[id]; ok {
		wf = cur
	} else {
		r.cache[id] = wf
	}
	r.mu.Unlock()
	return wf.Clone(), nil
}

// List returns copies of all cached workflows ordered by creation time.
func (r *Repository) List() []*models.Workflow {
	r.mu.Lock()
	out := make([]*models.Workflow, 0, len(r.cache))
	for _, wf := range r.cache {
		out = append(out, wf.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update applies fn to the latest copy of the workflow and saves it with an
// optimistic version check. On a conflict the workflow is reloaded from the
// store and fn is applied again. fn must be safe to call more than once.
func (r *Repository) Update(ctx context.Context, id string, fn func(*models.Workflow) error) (*models.Workflow, error) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		next := cur.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = r.now()

		err := r.store.SaveWorkflow(ctx, next, cur.Version)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrVersionConflict) && attempt < maxUpdateAttempts:
			r.logger.Debug("workflow version conflict, reloading",
				zap.String("workflow_id", id), zap.Int64("version", cur.Version), zap.Int("attempt", attempt))
			fresh, gerr := r.store.GetWorkflow(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			cur = fresh
			continue
		case errors.Is(err, models.ErrVersionConflict):
			return nil, err
		default:
			// Write-behind: keep the in-memory result at the version the
			// store still holds.
			r.persistenceFailed(id, err)
			next.Version = cur.Version
		}

		r.mu.Lock()
		r.cache[id] = next
		r.mu.Unlock()
		return next.Clone(), nil
	}
}

func (r *Repository) persistenceFailed(id string, err error) {
	metrics.PersistenceErrors.WithLabelValues("save_workflow").Inc()
	r.logger.Error("failed to persist workflow", zap.String("workflow_id", id), zap.Error(err))
}
