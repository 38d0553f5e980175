package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/spectralhq/spectralnotify/registry"
)

// Directory routes (kind, id) to the owning instance. Instances are
// constructed lazily on first reference; the registry is the authority on
// which entities exist, so a restarted broker reloads instances from their
// store files on demand.
type Directory struct {
	opener         StoreOpener
	hubs           HubFactory
	reg            registry.Store
	logger         *logrus.Entry
	strictComplete bool
	createdBy      string

	mu        sync.Mutex
	tasks     map[string]*TaskInstance
	workflows map[string]*WorkflowInstance
}

// DirectoryOptions wires the directory's collaborators.
type DirectoryOptions struct {
	Opener         StoreOpener
	Hubs           HubFactory
	Registry       registry.Store
	Logger         *logrus.Entry
	StrictComplete bool
	CreatedBy      string
}

// NewDirectory creates an empty directory.
func NewDirectory(opts DirectoryOptions) *Directory {
	createdBy := opts.CreatedBy
	if createdBy == "" {
		createdBy = "api"
	}
	return &Directory{
		opener:         opts.Opener,
		hubs:           opts.Hubs,
		reg:            opts.Registry,
		logger:         opts.Logger.WithField("component", "directory"),
		strictComplete: opts.StrictComplete,
		createdBy:      createdBy,
		tasks:          make(map[string]*TaskInstance),
		workflows:      make(map[string]*WorkflowInstance),
	}
}

// CreateTask registers and persists a new task. DUPLICATE_ENTITY when the ID
// is taken.
func (d *Directory) CreateTask(ctx context.Context, id string, metadata json.RawMessage) (*Task, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.register(ctx, KindTask, id); err != nil {
		return nil, err
	}
	st, err := d.opener.OpenTask(id)
	if err != nil {
		d.unregister(ctx, KindTask, id)
		return nil, ErrInternal(err)
	}
	ti, err := CreateTask(id, metadata, st, d.hubs(KindTask), d.logger)
	if err != nil {
		st.Close()
		d.unregister(ctx, KindTask, id)
		return nil, err
	}
	d.tasks[id] = ti
	return ti.Snapshot(), nil
}

// CreateWorkflow registers and persists a new workflow with its phases.
func (d *Directory) CreateWorkflow(ctx context.Context, id string, specs []PhaseSpec, metadata json.RawMessage) (*Workflow, []Phase, error) {
	if err := ValidateID(id); err != nil {
		return nil, nil, err
	}
	// Validate phases before claiming the ID.
	if _, err := BuildPhases(specs); err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.register(ctx, KindWorkflow, id); err != nil {
		return nil, nil, err
	}
	st, err := d.opener.OpenWorkflow(id)
	if err != nil {
		d.unregister(ctx, KindWorkflow, id)
		return nil, nil, ErrInternal(err)
	}
	wi, err := CreateWorkflow(id, specs, metadata, d.strictComplete, st, d.hubs(KindWorkflow), d.logger)
	if err != nil {
		st.Close()
		d.unregister(ctx, KindWorkflow, id)
		return nil, nil, err
	}
	d.workflows[id] = wi
	return wi.Snapshot(), wi.Phases(), nil
}

// Task returns the instance for id, loading it from storage if needed.
func (d *Directory) Task(ctx context.Context, id string) (*TaskInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.taskLocked(ctx, id)
}

// Workflow returns the instance for id, loading it from storage if needed.
func (d *Directory) Workflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workflowLocked(ctx, id)
}

// Attach looks up (kind, id) and hands the socket to its hub.
func (d *Directory) Attach(ctx context.Context, kind Kind, id string, conn *websocket.Conn) (string, error) {
	switch kind {
	case KindTask:
		ti, err := d.Task(ctx, id)
		if err != nil {
			return "", err
		}
		return ti.Attach(conn), nil
	case KindWorkflow:
		wi, err := d.Workflow(ctx, id)
		if err != nil {
			return "", err
		}
		return wi.Attach(conn), nil
	}
	return "", ErrInvalidInput("unknown kind %q", kind)
}

// ListTasks returns snapshots of every registered task in registration order.
func (d *Directory) ListTasks(ctx context.Context) ([]*Task, error) {
	entries, err := d.reg.List(ctx, string(KindTask))
	if err != nil {
		return nil, ErrInternal(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Task, 0, len(entries))
	for _, e := range entries {
		ti, err := d.taskLocked(ctx, e.ID)
		if err != nil {
			d.logger.WithError(err).WithField("id", e.ID).Warn("skipping unloadable task")
			continue
		}
		out = append(out, ti.Snapshot())
	}
	return out, nil
}

// ListWorkflows returns snapshots of every registered workflow.
func (d *Directory) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	entries, err := d.reg.List(ctx, string(KindWorkflow))
	if err != nil {
		return nil, ErrInternal(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Workflow, 0, len(entries))
	for _, e := range entries {
		wi, err := d.workflowLocked(ctx, e.ID)
		if err != nil {
			d.logger.WithError(err).WithField("id", e.ID).Warn("skipping unloadable workflow")
			continue
		}
		out = append(out, wi.Snapshot())
	}
	return out, nil
}

// Delete tears down one entity: subscribers closed, store removed, registry
// row dropped.
func (d *Directory) Delete(ctx context.Context, kind Kind, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteLocked(ctx, kind, id)
}

// DeleteAll deletes every entity of a kind. It keeps going on individual
// failures and reports the IDs that could not be deleted.
func (d *Directory) DeleteAll(ctx context.Context, kind Kind) (int, []string, error) {
	entries, err := d.reg.List(ctx, string(kind))
	if err != nil {
		return 0, nil, ErrInternal(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	deleted := 0
	failures := []string{}
	for _, e := range entries {
		if err := d.deleteLocked(ctx, kind, e.ID); err != nil {
			d.logger.WithError(err).WithFields(logrus.Fields{"kind": kind, "id": e.ID}).Error("delete failed")
			failures = append(failures, e.ID)
			continue
		}
		deleted++
	}
	return deleted, failures, nil
}

// Shutdown closes every loaded instance. Sockets receive a going-away close.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ti := range d.tasks {
		ti.Shutdown()
		delete(d.tasks, id)
	}
	for id, wi := range d.workflows {
		wi.Shutdown()
		delete(d.workflows, id)
	}
}

func (d *Directory) taskLocked(ctx context.Context, id string) (*TaskInstance, error) {
	if ti, ok := d.tasks[id]; ok {
		return ti, nil
	}
	if err := d.checkExists(ctx, KindTask, id); err != nil {
		return nil, err
	}
	st, err := d.opener.OpenTask(id)
	if err != nil {
		return nil, ErrInternal(err)
	}
	ti, err := OpenTask(id, st, d.hubs(KindTask), d.logger)
	if err != nil {
		st.Close()
		return nil, ErrInternal(err)
	}
	d.tasks[id] = ti
	return ti, nil
}

func (d *Directory) workflowLocked(ctx context.Context, id string) (*WorkflowInstance, error) {
	if wi, ok := d.workflows[id]; ok {
		return wi, nil
	}
	if err := d.checkExists(ctx, KindWorkflow, id); err != nil {
		return nil, err
	}
	st, err := d.opener.OpenWorkflow(id)
	if err != nil {
		return nil, ErrInternal(err)
	}
	wi, err := OpenWorkflow(id, d.strictComplete, st, d.hubs(KindWorkflow), d.logger)
	if err != nil {
		st.Close()
		return nil, ErrInternal(err)
	}
	d.workflows[id] = wi
	return wi, nil
}

func (d *Directory) deleteLocked(ctx context.Context, kind Kind, id string) error {
	var err error
	switch kind {
	case KindTask:
		var ti *TaskInstance
		if ti, err = d.taskLocked(ctx, id); err == nil {
			err = ti.Delete()
			delete(d.tasks, id)
		}
	case KindWorkflow:
		var wi *WorkflowInstance
		if wi, err = d.workflowLocked(ctx, id); err == nil {
			err = wi.Delete()
			delete(d.workflows, id)
		}
	default:
		return ErrInvalidInput("unknown kind %q", kind)
	}
	if err != nil {
		return err
	}
	if err := d.reg.Remove(ctx, string(kind), id); err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (d *Directory) register(ctx context.Context, kind Kind, id string) error {
	err := d.reg.Register(ctx, registry.Entry{
		Kind:      string(kind),
		ID:        id,
		CreatedAt: time.Now().UTC(),
		CreatedBy: d.createdBy,
	})
	if err == registry.ErrDuplicate {
		return NewError(CodeDuplicateEntity, "%s %q already exists", kind, id).WithData("id", id)
	}
	if err != nil {
		return ErrInternal(err)
	}
	return nil
}

func (d *Directory) unregister(ctx context.Context, kind Kind, id string) {
	if err := d.reg.Remove(ctx, string(kind), id); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"kind": kind, "id": id}).Error("rollback registry row")
	}
}

func (d *Directory) checkExists(ctx context.Context, kind Kind, id string) error {
	ok, err := d.reg.Exists(ctx, string(kind), id)
	if err != nil {
		return ErrInternal(err)
	}
	if !ok {
		return ErrNotFound("%s %q not found", kind, id).WithData("id", id)
	}
	return nil
}
