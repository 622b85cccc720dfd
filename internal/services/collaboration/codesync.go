package collaboration

import (
	"context"
	"errors"
	"sync"
	"time"

	"codesync/internal/apperrors"
	"codesync/internal/logger"
	"codesync/internal/middleware"
	"codesync/internal/models"
	"codesync/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: DEBOUNCED PERSISTENCE

Edits are broadcast immediately but written to the store lazily:

  code_change -> live doc updated, timer (re)armed
  quiet window elapses -> one save with the latest code
  save fails -> code stays dirty, timer re-armed

Each pending save carries a generation number. A timer only saves if its
generation is still the pending one, so a superseded or flushed timer is a
no-op. Saves of one project are serialized by a per-project mutex, which
keeps versions strictly increasing.
*/

type liveDoc struct {
	code    string
	version int64
	dirty   bool
}

type pendingSave struct {
	gen    uint64
	code   string
	author string
	timer  *time.Timer
}

// SaveRequest is an explicit, version-checked save.
type SaveRequest struct {
	ProjectID       string
	Author          string
	Role            models.Role
	Code            string
	ExpectedVersion int64
	// Origin is the connection that asked, if any; it does not get the
	// code_update echo.
	Origin *Client
}

// CodeSync keeps the live code of each open project and persists it.
type CodeSync struct {
	store  CodeStore
	reg    *Registry
	window time.Duration

	mu      sync.Mutex
	docs    map[string]*liveDoc
	pending map[string]*pendingSave
	gen     uint64
	saving  map[string]*sync.Mutex
}

// NewCodeSync creates an engine saving after window of inactivity.
func NewCodeSync(store CodeStore, reg *Registry, window time.Duration) *CodeSync {
	return &CodeSync{
		store:   store,
		reg:     reg,
		window:  window,
		docs:    make(map[string]*liveDoc),
		pending: make(map[string]*pendingSave),
		saving:  make(map[string]*sync.Mutex),
	}
}

// Snapshot returns the live code, loading it from the store when the
// project is not open.
func (e *CodeSync) Snapshot(ctx context.Context, projectID string) (*models.CodeSnapshotPayload, error) {
	e.mu.Lock()
	d, ok := e.docs[projectID]
	if ok {
		snap := snapshotOf(projectID, d)
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok = e.docs[projectID]
	if !ok {
		d = &liveDoc{code: project.Code, version: project.Version}
		e.docs[projectID] = d
	}
	return snapshotOf(projectID, d), nil
}

func snapshotOf(projectID string, d *liveDoc) *models.CodeSnapshotPayload {
	return &models.CodeSnapshotPayload{
		ProjectID: projectID,
		Code:      d.code,
		Version:   d.version,
		Dirty:     d.dirty,
	}
}

// ApplyChange makes code the live code of the project, broadcasts it to
// every other member and schedules a debounced save. Viewers are rejected
// before anything is sent.
func (e *CodeSync) ApplyChange(ctx context.Context, projectID string, c *Client, code string) error {
	if role := c.Role(); !role.CanEdit() {
		return apperrors.Forbidden("role %s cannot edit code", role)
	}

	data, err := marshalEnvelope(models.EventCodeUpdate, models.CodeUpdatePayload{
		ProjectID: projectID,
		Code:      code,
		Author:    c.Principal,
	})
	if err != nil {
		return err
	}

	member := false
	e.reg.withRoom(projectID, func(r *room) {
		if _, member = r.members[c]; !member {
			return
		}

		e.mu.Lock()
		d, ok := e.docs[projectID]
		if !ok {
			d = &liveDoc{}
			e.docs[projectID] = d
		}
		if ok && d.code == code {
			e.mu.Unlock()
			return
		}
		d.code = code
		d.dirty = true
		e.scheduleLocked(projectID, code, c.Principal)
		e.mu.Unlock()

		r.broadcastLocked(data, func(m *Client) bool { return m == c })
	})
	if !member {
		return apperrors.Forbidden("not joined to project %s", projectID)
	}

	middleware.AddSpanEvent(ctx, "code.applied", attribute.Int("code.size", len(code)))
	return nil
}

func (e *CodeSync) scheduleLocked(projectID, code, author string) {
	e.gen++
	p, ok := e.pending[projectID]
	if !ok {
		p = &pendingSave{}
		e.pending[projectID] = p
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	gen := e.gen
	p.gen = gen
	p.code = code
	p.author = author
	p.timer = time.AfterFunc(e.window, func() {
		_ = e.runSave(context.Background(), projectID, gen)
	})
}

func (e *CodeSync) projectLock(projectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.saving[projectID]
	if !ok {
		l = &sync.Mutex{}
		e.saving[projectID] = l
	}
	return l
}

// runSave persists pending generation gen of the project if it is still
// the pending one.
func (e *CodeSync) runSave(ctx context.Context, projectID string, gen uint64) error {
	lock := e.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	p, ok := e.pending[projectID]
	if !ok || p.gen != gen {
		e.mu.Unlock()
		return nil
	}
	code, author := p.code, p.author
	e.mu.Unlock()

	ctx, span := middleware.StartSpan(ctx, "CodeSync.DebouncedSave",
		attribute.String("project.id", projectID),
		attribute.String("author", author),
	)
	defer span.End()

	res, err := e.store.SaveProjectCode(ctx, projectID, code, author, nil)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		e.mu.Lock()
		if cur, ok := e.pending[projectID]; ok && cur.gen == gen {
			if errors.Is(err, apperrors.ErrNotFound) {
				delete(e.pending, projectID)
				delete(e.docs, projectID)
			} else {
				cur.timer = time.AfterFunc(e.window, func() {
					_ = e.runSave(context.Background(), projectID, gen)
				})
			}
		}
		e.mu.Unlock()

		logger.Warn().Err(err).Str("project_id", projectID).Msg("debounced save failed, will retry")
		return err
	}

	e.mu.Lock()
	if cur, ok := e.pending[projectID]; ok && cur.gen == gen {
		delete(e.pending, projectID)
	}
	if d, ok := e.docs[projectID]; ok {
		if res.Version > d.version {
			d.version = res.Version
		}
		if d.code == code {
			d.dirty = false
		}
	}
	e.mu.Unlock()

	if res.Saved {
		logger.Debug().Str("project_id", projectID).Int64("version", res.Version).Msg("code saved")
		e.broadcastSaved(projectID, res.Version, author)
	}

	e.Release(projectID)
	return nil
}

// Save persists code only if the stored version is still
// req.ExpectedVersion, otherwise it fails with Conflict. On success the
// saved code becomes the live code, any pending debounced save is dropped
// and code_saved goes to the whole room.
func (e *CodeSync) Save(ctx context.Context, req SaveRequest) (*repository.SaveResult, error) {
	if !req.Role.CanEdit() {
		return nil, apperrors.Forbidden("role %s cannot save code", req.Role)
	}

	lock := e.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	expected := req.ExpectedVersion
	res, err := e.store.SaveProjectCode(ctx, req.ProjectID, req.Code, req.Author, &expected)
	if err != nil {
		return nil, err
	}

	update, err := marshalEnvelope(models.EventCodeUpdate, models.CodeUpdatePayload{
		ProjectID: req.ProjectID,
		Code:      req.Code,
		Author:    req.Author,
	})
	if err != nil {
		return nil, err
	}

	inRoom := e.reg.withRoom(req.ProjectID, func(r *room) {
		if e.adoptSaved(req.ProjectID, req.Code, res.Version) {
			r.broadcastLocked(update, func(m *Client) bool { return m == req.Origin })
		}
	})
	if !inRoom {
		e.adoptSaved(req.ProjectID, req.Code, res.Version)
	}

	if res.Saved {
		e.broadcastSaved(req.ProjectID, res.Version, req.Author)
	}
	return res, nil
}

// adoptSaved makes a just-persisted code the live one. It reports whether
// the live code changed.
func (e *CodeSync) adoptSaved(projectID, code string, version int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.pending[projectID]; ok {
		p.timer.Stop()
		delete(e.pending, projectID)
	}

	d, ok := e.docs[projectID]
	if !ok {
		return false
	}
	changed := d.code != code
	d.code = code
	d.dirty = false
	if version > d.version {
		d.version = version
	}
	return changed
}

func (e *CodeSync) broadcastSaved(projectID string, version int64, author string) {
	env, err := models.NewEnvelope(models.EventCodeSaved, models.CodeSavedPayload{
		ProjectID: projectID,
		Version:   version,
		Author:    author,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode code_saved")
		return
	}
	e.reg.Broadcast(projectID, env, nil)
}

// Flush runs every pending save now. Failed saves stay pending.
func (e *CodeSync) Flush(ctx context.Context) error {
	type job struct {
		projectID string
		gen       uint64
	}

	e.mu.Lock()
	jobs := make([]job, 0, len(e.pending))
	for projectID, p := range e.pending {
		p.timer.Stop()
		jobs = append(jobs, job{projectID: projectID, gen: p.gen})
	}
	e.mu.Unlock()

	var errs []error
	for _, j := range jobs {
		if err := e.runSave(ctx, j.projectID, j.gen); err != nil {
			errs = append(errs, err)
		}
	}
	if len(jobs) > 0 {
		logger.Info().Int("projects", len(jobs)).Int("failed", len(errs)).Msg("flushed pending saves")
	}
	return errors.Join(errs...)
}

// Pending reports whether the project has an unsaved change scheduled.
func (e *CodeSync) Pending(projectID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[projectID]
	return ok
}

// Release forgets the live copy of a project with no room and nothing
// pending. The next join reloads it from the store.
func (e *CodeSync) Release(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.pending[projectID]; ok || e.reg.HasRoom(projectID) {
		return
	}
	delete(e.docs, projectID)
}
