package workflow

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync/atomic"

	"github.com/hashicorp/go-memdb"

	"github.com/pitabwire/steward/model"
)

const (
	tableInstances = "instances"
	tableSteps     = "steps"
	tableActions   = "actions"
)

// memSchema describes the in-memory tables. Objects are stored as pointers
// and never mutated once inserted; updates insert a fresh copy.
var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableInstances: {
			Name: tableInstances,
			Indexes: map[string]*memdb.IndexSchema{
				"id":      {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"status":  {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
				"account": {Name: "account", Indexer: &memdb.StringFieldIndex{Field: "AccountID"}},
			},
		},
		tableSteps: {
			Name: tableSteps,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:   "id",
					Unique: true,
					Indexer: &memdb.CompoundIndex{Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "InstanceID"},
						&memdb.IntFieldIndex{Field: "StepIndex"},
					}},
				},
				"instance": {Name: "instance", Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
				"status":   {Name: "status", Indexer: &memdb.StringFieldIndex{Field: "Status"}},
			},
		},
		tableActions: {
			Name: tableActions,
			Indexes: map[string]*memdb.IndexSchema{
				"id":       {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"instance": {Name: "instance", Indexer: &memdb.StringFieldIndex{Field: "InstanceID"}},
			},
		},
	},
}

// actionRecord keeps insertion order for the action log.
type actionRecord struct {
	model.StepAction
	Seq uint64
}

// MemoryStore is a transactional in-memory Store built on go-memdb. Write
// transactions are serialised by memdb, which makes every ApplyTransition a
// true compare-and-swap.
type MemoryStore struct {
	db  *memdb.MemDB
	seq atomic.Uint64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db}, nil
}

// CreateInstance persists a new instance with its steps and actions.
func (s *MemoryStore) CreateInstance(_ context.Context, inst model.WorkflowInstance, steps []model.StepState, actions []model.StepAction) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return fmt.Errorf("lookup instance: %w", err)
	}
	if existing != nil {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if inst.Status == model.InstanceStatusInProgress {
		if err := checkNoOpenDuplicate(txn, inst); err != nil {
			return err
		}
	}

	inst.HasSnoozedSteps, inst.NextDueDate = deriveSnoozeCache(steps)
	if err := txn.Insert(tableInstances, cloneInstance(&inst)); err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	for i := range steps {
		if err := txn.Insert(tableSteps, cloneStep(&steps[i])); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}
	if err := s.insertActions(txn, actions); err != nil {
		return err
	}

	txn.Commit()
	return nil
}

// GetInstance retrieves an instance by id.
func (s *MemoryStore) GetInstance(_ context.Context, instanceID string) (model.WorkflowInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getInstance(txn, instanceID)
}

// GetSteps returns the steps of an instance ordered by index.
func (s *MemoryStore) GetSteps(_ context.Context, instanceID string) ([]model.StepState, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	if _, err := getInstance(txn, instanceID); err != nil {
		return nil, err
	}
	return getSteps(txn, instanceID)
}

// GetStep returns one step.
func (s *MemoryStore) GetStep(_ context.Context, instanceID string, stepIndex int) (model.StepState, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	return getStep(txn, instanceID, stepIndex)
}

// GetActions returns the action log of an instance in insertion order.
func (s *MemoryStore) GetActions(_ context.Context, instanceID string) ([]model.StepAction, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	if _, err := getInstance(txn, instanceID); err != nil {
		return nil, err
	}
	it, err := txn.Get(tableActions, "instance", instanceID)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	var recs []*actionRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		recs = append(recs, obj.(*actionRecord))
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Seq < recs[j].Seq })

	out := make([]model.StepAction, len(recs))
	for i, r := range recs {
		out[i] = r.StepAction
	}
	return out, nil
}

// ApplyTransition performs the compare-and-swap described on Store.
func (s *MemoryStore) ApplyTransition(_ context.Context, t Transition) (model.WorkflowInstance, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, t.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status != model.InstanceStatusInProgress {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q is %s", t.InstanceID, inst.Status),
		)
	}

	for _, c := range t.Changes {
		current, err := getStep(txn, t.InstanceID, c.Next.StepIndex)
		if err != nil {
			return model.WorkflowInstance{}, err
		}
		if current.Status != c.Expected {
			return model.WorkflowInstance{}, model.NewConcurrentModificationError(
				fmt.Sprintf("step %d changed from %s to %s while the request was in flight", c.Next.StepIndex, c.Expected, current.Status),
			)
		}
		next := c.Next
		next.InstanceID = t.InstanceID
		if err := txn.Insert(tableSteps, cloneStep(&next)); err != nil {
			return model.WorkflowInstance{}, fmt.Errorf("update step: %w", err)
		}
	}
	if err := s.insertActions(txn, t.Actions); err != nil {
		return model.WorkflowInstance{}, err
	}

	steps, err := getSteps(txn, t.InstanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	inst.HasSnoozedSteps, inst.NextDueDate = deriveSnoozeCache(steps)
	inst.Version++
	inst.UpdatedAt = t.At
	if err := txn.Insert(tableInstances, cloneInstance(&inst)); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update instance: %w", err)
	}

	txn.Commit()
	return inst, nil
}

// CompleteInstance applies the completion guard and marks the instance
// completed.
func (s *MemoryStore) CompleteInstance(_ context.Context, instanceID string, action model.StepAction) (model.WorkflowInstance, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if inst.Status == model.InstanceStatusCompleted {
		return model.WorkflowInstance{}, model.NewInvalidTransitionError(
			fmt.Sprintf("workflow instance %q is already completed", instanceID),
		)
	}
	steps, err := getSteps(txn, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := completionBlockers(instanceID, steps); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := s.insertActions(txn, []model.StepAction{action}); err != nil {
		return model.WorkflowInstance{}, err
	}

	at := action.Timestamp
	inst.Status = model.InstanceStatusCompleted
	inst.CompletedAt = &at
	inst.UpdatedAt = at
	inst.HasSnoozedSteps = false
	inst.NextDueDate = nil
	inst.Version++
	if err := txn.Insert(tableInstances, cloneInstance(&inst)); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update instance: %w", err)
	}

	txn.Commit()
	return inst, nil
}

// FindSnoozed returns a page of snoozed steps of in-progress instances.
func (s *MemoryStore) FindSnoozed(_ context.Context, q SnoozedQuery) ([]SnoozedStep, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSteps, "status", string(model.StepStatusSnoozed))
	if err != nil {
		return nil, fmt.Errorf("query snoozed steps: %w", err)
	}

	accounts := make(map[string]string)
	var out []SnoozedStep
	for obj := it.Next(); obj != nil; obj = it.Next() {
		st := obj.(*model.StepState)
		if !q.after(st.InstanceID, st.StepIndex) {
			continue
		}
		account, seen := accounts[st.InstanceID]
		if !seen {
			inst, err := getInstance(txn, st.InstanceID)
			if err != nil || inst.Status != model.InstanceStatusInProgress {
				accounts[st.InstanceID] = ""
				continue
			}
			account = inst.AccountID
			accounts[st.InstanceID] = account
		}
		if account == "" || (q.AccountID != "" && account != q.AccountID) {
			continue
		}
		out = append(out, SnoozedStep{AccountID: account, Step: *cloneStep(st)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Step.InstanceID != out[j].Step.InstanceID {
			return out[i].Step.InstanceID < out[j].Step.InstanceID
		}
		return out[i].Step.StepIndex < out[j].Step.StepIndex
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// FindOpen returns in-progress instances, oldest first.
func (s *MemoryStore) FindOpen(_ context.Context, filters InstanceFilters) ([]model.WorkflowInstance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInstances, "status", model.InstanceStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("query open instances: %w", err)
	}
	var out []model.WorkflowInstance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		inst := obj.(*model.WorkflowInstance)
		if filters.AccountID != "" && inst.AccountID != filters.AccountID {
			continue
		}
		if filters.WorkflowDefinitionID != "" && inst.WorkflowDefinitionID != filters.WorkflowDefinitionID {
			continue
		}
		out = append(out, *cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdatePriorities writes priority scores in one transaction.
func (s *MemoryStore) UpdatePriorities(_ context.Context, scores map[string]float64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	for id, score := range scores {
		raw, err := txn.First(tableInstances, "id", id)
		if err != nil {
			return fmt.Errorf("lookup instance: %w", err)
		}
		if raw == nil {
			continue
		}
		inst := cloneInstance(raw.(*model.WorkflowInstance))
		inst.PriorityScore = score
		if err := txn.Insert(tableInstances, inst); err != nil {
			return fmt.Errorf("update priority: %w", err)
		}
	}
	txn.Commit()
	return nil
}

// UpdateSignals replaces the ranking inputs of an instance without bumping
// its version.
func (s *MemoryStore) UpdateSignals(_ context.Context, instanceID string, signals model.InstanceSignals) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	inst, err := getInstance(txn, instanceID)
	if err != nil {
		return err
	}
	inst.Signals = signals
	if err := txn.Insert(tableInstances, cloneInstance(&inst)); err != nil {
		return fmt.Errorf("update signals: %w", err)
	}
	txn.Commit()
	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInstances, "id")
	if err != nil {
		return 0
	}
	n := 0
	for obj := it.Next(); obj != nil; obj = it.Next() {
		n++
	}
	return n
}

func getInstance(txn *memdb.Txn, id string) (model.WorkflowInstance, error) {
	raw, err := txn.First(tableInstances, "id", id)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("lookup instance: %w", err)
	}
	if raw == nil {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return *cloneInstance(raw.(*model.WorkflowInstance)), nil
}

// checkNoOpenDuplicate runs inside the create transaction; memdb serialises
// writers, so the check and the insert cannot interleave with another create.
func checkNoOpenDuplicate(txn *memdb.Txn, inst model.WorkflowInstance) error {
	it, err := txn.Get(tableInstances, "account", inst.AccountID)
	if err != nil {
		return fmt.Errorf("query account instances: %w", err)
	}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		other := obj.(*model.WorkflowInstance)
		if other.Status == model.InstanceStatusInProgress && other.WorkflowDefinitionID == inst.WorkflowDefinitionID {
			return model.NewConflictError(fmt.Sprintf(
				"account %q already has open workflow instance %q of %q",
				inst.AccountID, other.ID, inst.WorkflowDefinitionID,
			))
		}
	}
	return nil
}

func getStep(txn *memdb.Txn, instanceID string, stepIndex int) (model.StepState, error) {
	raw, err := txn.First(tableSteps, "id", instanceID, stepIndex)
	if err != nil {
		return model.StepState{}, fmt.Errorf("lookup step: %w", err)
	}
	if raw == nil {
		return model.StepState{}, model.NewNotFoundError(
			fmt.Sprintf("step %d of workflow instance %q not found", stepIndex, instanceID),
		)
	}
	return *cloneStep(raw.(*model.StepState)), nil
}

func getSteps(txn *memdb.Txn, instanceID string) ([]model.StepState, error) {
	it, err := txn.Get(tableSteps, "instance", instanceID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	var out []model.StepState
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *cloneStep(obj.(*model.StepState)))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *MemoryStore) insertActions(txn *memdb.Txn, actions []model.StepAction) error {
	for _, a := range actions {
		rec := &actionRecord{StepAction: a, Seq: s.seq.Add(1)}
		if err := txn.Insert(tableActions, rec); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	return nil
}

func cloneInstance(in *model.WorkflowInstance) *model.WorkflowInstance {
	out := *in
	return &out
}

func cloneStep(in *model.StepState) *model.StepState {
	out := *in
	out.Config = maps.Clone(in.Config)
	return &out
}
