package workflow

import (
	"encoding/json"

	"github.com/BaSui01/dagflow/types"
)

// nodeRecord is the stored form of a Node.
type nodeRecord struct {
	ID           string          `json:"id"`
	Class        string          `json:"klass"`
	Queue        string          `json:"queue,omitempty"`
	Incoming     []string        `json:"incoming"`
	Outgoing     []string        `json:"outgoing"`
	FinishedAt   int64           `json:"finished_at,omitempty"`
	EnqueuedAt   int64           `json:"enqueued_at,omitempty"`
	StartedAt    int64           `json:"started_at,omitempty"`
	FailedAt     int64           `json:"failed_at,omitempty"`
	Params       map[string]any  `json:"params"`
	WorkflowID   string          `json:"workflow_id"`
	CallbackMode CallbackMode    `json:"callback_type"`
	Output       json.RawMessage `json:"output_payload,omitempty"`
	Payloads     []Payload       `json:"payloads,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// workflowRecord is the stored form of a Workflow. Total, Finished and
// Status are informational snapshots; Nodes keeps the declaration order.
type workflowRecord struct {
	Name         string       `json:"name"`
	ID           string       `json:"id"`
	Class        string       `json:"klass"`
	Arguments    []any        `json:"arguments"`
	Total        int          `json:"total"`
	Finished     int          `json:"finished"`
	Status       Status       `json:"status"`
	Stopped      bool         `json:"stopped"`
	StartedAt    int64        `json:"started_at,omitempty"`
	FinishedAt   int64        `json:"finished_at,omitempty"`
	CallbackMode CallbackMode `json:"callback_type"`
	Incoming     []string     `json:"incoming"`
	Outgoing     []string     `json:"outgoing"`
	ParentID     string       `json:"parent_id,omitempty"`
	Nodes        []string     `json:"nodes"`
}

func encodeNode(n *Node) ([]byte, error) {
	rec := nodeRecord{
		ID:           n.ID,
		Class:        n.Class,
		Queue:        n.Queue,
		Incoming:     nonNil(n.Incoming),
		Outgoing:     nonNil(n.Outgoing),
		FinishedAt:   n.FinishedAt,
		EnqueuedAt:   n.EnqueuedAt,
		StartedAt:    n.StartedAt,
		FailedAt:     n.FailedAt,
		Params:       n.Params,
		WorkflowID:   n.WorkflowID,
		CallbackMode: n.CallbackMode,
		Output:       n.Output,
		Error:        n.Error,
	}
	if n.payloadsLoaded {
		rec.Payloads = n.payloads
	}
	return json.Marshal(rec)
}

func decodeNode(data []byte) (*Node, error) {
	var rec nodeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, types.NewError(types.ErrCorruptRecord, "decode node record").WithCause(err)
	}
	if rec.ID == "" || rec.Class == "" {
		return nil, types.NewError(types.ErrCorruptRecord, "node record without id or class")
	}

	n := &Node{
		WorkflowID:   rec.WorkflowID,
		ID:           rec.ID,
		Class:        rec.Class,
		Queue:        rec.Queue,
		Params:       rec.Params,
		Incoming:     nonNil(rec.Incoming),
		Outgoing:     nonNil(rec.Outgoing),
		EnqueuedAt:   rec.EnqueuedAt,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		FailedAt:     rec.FailedAt,
		CallbackMode: rec.CallbackMode,
		Output:       rec.Output,
		Error:        rec.Error,
	}
	if n.Params == nil {
		n.Params = map[string]any{}
	}
	if n.CallbackMode == "" {
		n.CallbackMode = CallbackBatched
	}
	if rec.Payloads != nil {
		n.SetPayloads(rec.Payloads)
	}
	return n, nil
}

func encodeWorkflow(w *Workflow) ([]byte, error) {
	finished := 0
	names := make([]string, 0, len(w.Nodes))
	for _, entry := range w.Nodes {
		if entry.Finished() {
			finished++
		}
		names = append(names, entry.Name())
	}

	rec := workflowRecord{
		Name:         w.Class,
		ID:           w.ID,
		Class:        w.Class,
		Arguments:    w.Arguments,
		Total:        len(w.Nodes),
		Finished:     finished,
		Status:       w.Status(),
		Stopped:      w.Stopped,
		StartedAt:    w.StartedAt,
		FinishedAt:   w.FinishedAt,
		CallbackMode: w.CallbackMode,
		Incoming:     nonNil(w.Incoming),
		Outgoing:     nonNil(w.Outgoing),
		ParentID:     w.ParentID,
		Nodes:        names,
	}
	return json.Marshal(rec)
}

// decodeWorkflow rebuilds the workflow shell without its entries and
// returns the stored declaration order.
func decodeWorkflow(data []byte) (*Workflow, []string, error) {
	var rec workflowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, types.NewError(types.ErrCorruptRecord, "decode workflow record").WithCause(err)
	}
	if rec.ID == "" || rec.Class == "" {
		return nil, nil, types.NewError(types.ErrCorruptRecord, "workflow record without id or class")
	}

	w := &Workflow{
		ID:           rec.ID,
		Class:        rec.Class,
		Arguments:    rec.Arguments,
		ParentID:     rec.ParentID,
		CallbackMode: rec.CallbackMode,
		Incoming:     nonNil(rec.Incoming),
		Outgoing:     nonNil(rec.Outgoing),
		Stopped:      rec.Stopped,
		Persisted:    true,
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		configured:   true,
	}
	if w.CallbackMode == "" {
		w.CallbackMode = CallbackBatched
	}
	return w, rec.Nodes, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
