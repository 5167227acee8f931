package api_v1

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed input before any mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// FlowDefinitionError reports a broken flow graph: invalid guard, dangling edge,
// unknown node id. It is raised either when a graph is compiled or when a guard
// fails at evaluation time.
type FlowDefinitionError struct {
	FlowId  string
	NodeId  string
	Message string
	Err     error
}

func (e FlowDefinitionError) Error() string {
	msg := fmt.Sprintf("flow %s", e.FlowId)
	if e.NodeId != "" {
		msg = fmt.Sprintf("%s node %s", msg, e.NodeId)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Message)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e FlowDefinitionError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	Entity string
	Id     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Id)
}

// TransientDeliveryError is a send failure worth retrying (timeout, provider 5xx).
type TransientDeliveryError struct {
	ChannelId string
	Err       error
}

func (e TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient delivery failure on channel %s: %v", e.ChannelId, e.Err)
}

func (e TransientDeliveryError) Unwrap() error {
	return e.Err
}

// DeliveryFailedError is terminal: the job exhausted its retries.
type DeliveryFailedError struct {
	JobId    string
	Attempts int
	Err      error
}

func (e DeliveryFailedError) Error() string {
	return fmt.Sprintf("delivery of job %s failed after %d attempts: %v", e.JobId, e.Attempts, e.Err)
}

func (e DeliveryFailedError) Unwrap() error {
	return e.Err
}

// ActionError reports an action node whose action failed while executing.
// The advance it happened in leaves no trace in the store.
type ActionError struct {
	FlowId string
	NodeId string
	Action string
	Err    error
}

func (e ActionError) Error() string {
	return fmt.Sprintf("flow %s node %s: action %s failed: %v", e.FlowId, e.NodeId, e.Action, e.Err)
}

func (e ActionError) Unwrap() error {
	return e.Err
}

// ConcurrencyConflictError signals a lost race: either a revision that moved
// under an optimistic write, which the core re-reads and retries once, or a
// lease that stayed held for the whole wait.
type ConcurrencyConflictError struct {
	Entity string
	Id     string
	Err    error
}

func (e ConcurrencyConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("concurrent modification of %s %s: %v", e.Entity, e.Id, e.Err)
	}
	return fmt.Sprintf("concurrent modification of %s %s", e.Entity, e.Id)
}

func (e ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

type StorageLayerError struct {
	Message string
	Err     error
}

func (e StorageLayerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage layer error %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("storage layer error %s", e.Message)
}

func (e StorageLayerError) Unwrap() error {
	return e.Err
}

func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

func IsConflict(err error) bool {
	var cc ConcurrencyConflictError
	return errors.As(err, &cc)
}

func IsValidation(err error) bool {
	var ve ValidationError
	var fe FlowDefinitionError
	return errors.As(err, &ve) || errors.As(err, &fe)
}
