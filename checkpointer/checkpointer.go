// Package checkpointer makes workflow executions durable: node side effects
// run inside memoized steps, and a Runtime re-invokes failed executions with
// backoff until they succeed or fail permanently.
package checkpointer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	nodeflow "nodeflow"
	kvstore "nodeflow/kv"
)

// StepRecord is the persisted result of one completed step.
type StepRecord struct {
	ExecutionID string          `json:"executionId"`
	NodeID      string          `json:"nodeId"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output"`
	CompletedAt time.Time       `json:"completedAt"`
}

// Memo stores step results in a KV store keyed by execution, node and step
// name.
type Memo struct {
	store kvstore.KVStore
	now   func() time.Time
}

func NewMemo(store kvstore.KVStore) *Memo {
	return &Memo{store: store, now: time.Now}
}

func executionPrefix(executionID string) string {
	return "step/" + url.PathEscape(executionID) + "/"
}

func stepKey(executionID, nodeID, name string) string {
	return executionPrefix(executionID) + url.PathEscape(nodeID) + "/" + url.PathEscape(name)
}

// Steps returns a runner scoped to one node of one execution.
func (m *Memo) Steps(executionID, nodeID string) *Steps {
	return &Steps{memo: m, executionID: executionID, nodeID: nodeID}
}

// Records lists the completed steps of an execution in key order.
func (m *Memo) Records(executionID string) ([]StepRecord, error) {
	keys, err := m.store.Keys(executionPrefix(executionID))
	if err != nil {
		return nil, err
	}
	records := make([]StepRecord, 0, len(keys))
	for _, key := range keys {
		raw, err := m.store.Get(key)
		if err != nil {
			return nil, err
		}
		var rec StepRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode step %s: %w", key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Forget drops every memoized step of an execution. Called once the
// execution is terminal.
func (m *Memo) Forget(executionID string) error {
	keys, err := m.store.Keys(executionPrefix(executionID))
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := m.store.Delete(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Steps runs named units of work at most once per (execution, node, name).
// A replayed step returns the recorded output without calling fn.
type Steps struct {
	memo        *Memo
	executionID string
	nodeID      string
}

// Run executes fn unless a result for name is already recorded, then decodes
// the JSON form of the result into out (which may be nil). Results always
// go through JSON so fresh and replayed runs see identical values.
func (s *Steps) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error), out any) error {
	return s.run(ctx, name, nil, fn, out)
}

// RunAI is Run for provider calls; the request input is recorded alongside
// the output.
func (s *Steps) RunAI(ctx context.Context, name string, input any, fn func(ctx context.Context) (any, error), out any) error {
	if input == nil {
		input = struct{}{}
	}
	return s.run(ctx, name, input, fn, out)
}

func (s *Steps) run(ctx context.Context, name string, input any, fn func(ctx context.Context) (any, error), out any) error {
	if strings.TrimSpace(name) == "" {
		return nodeflow.NonRetriablef("step name is empty")
	}
	key := stepKey(s.executionID, s.nodeID, name)

	raw, err := s.memo.store.Get(key)
	switch {
	case err == nil:
		var rec StepRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode step %q: %w", name, err)
		}
		return decodeInto(name, rec.Output, out)
	case !errors.Is(err, kvstore.ErrKeyNotFound):
		return fmt.Errorf("load step %q: %w", name, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := fn(ctx)
	if err != nil {
		return err
	}

	output, err := json.Marshal(result)
	if err != nil {
		return nodeflow.NonRetriable(fmt.Errorf("step %q returned a value that is not JSON: %w", name, err))
	}
	rec := StepRecord{
		ExecutionID: s.executionID,
		NodeID:      s.nodeID,
		Name:        name,
		Output:      output,
		CompletedAt: s.memo.now(),
	}
	if input != nil {
		if rec.Input, err = json.Marshal(input); err != nil {
			return nodeflow.NonRetriable(fmt.Errorf("step %q input is not JSON: %w", name, err))
		}
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.memo.store.Put(key, encoded); err != nil {
		return fmt.Errorf("record step %q: %w", name, err)
	}
	return decodeInto(name, output, out)
}

func decodeInto(name string, output json.RawMessage, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(output, out); err != nil {
		return nodeflow.NonRetriable(fmt.Errorf("decode step %q output: %w", name, err))
	}
	return nil
}
