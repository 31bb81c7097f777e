// Package worker implements the dataframe worker: a process that
// materialises lazy plans on request over a streaming WebSocket protocol,
// with REST fallbacks for status recovery after a disconnect.
package worker

// Metadata is the first frame of every task submission.
type Metadata struct {
	TaskID    string         `json:"task_id"`
	Operation string         `json:"operation"`
	FlowID    int64          `json:"flow_id"`
	NodeID    int64          `json:"node_id"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
}

// Task operations.
const (
	OpStore           = "store"
	OpStoreSample     = "store_sample"
	OpSchema          = "calculate_schema"
	OpNumberOfRecords = "calculate_number_of_records"
	OpFuzzyMatch      = "fuzzy_match"
	OpCreateTable     = "create_table"
	OpWriteOutput     = "write_output"
)

// serverFrame is every JSON frame the worker sends: progress, result_data,
// and the two terminal shapes.
type serverFrame struct {
	Type string `json:"type"`

	// type == "progress"
	Progress int `json:"progress,omitempty"`

	// type == "complete"
	ResultType string `json:"result_type,omitempty"` // polars|other
	FileRef    string `json:"file_ref,omitempty"`
	HasResult  bool   `json:"has_result,omitempty"`

	// type == "result_data"
	Data any `json:"data,omitempty"`

	// type == "error"
	ErrorMessage string `json:"error_message,omitempty"`
}

// clientFrame is the only JSON frame a client sends after the metadata:
// a cancellation request.
type clientFrame struct {
	Type string `json:"type"` // cancel
}

// ColumnStats is one entry of a calculate_schema result.
type ColumnStats struct {
	ColumnName string `json:"column_name"`
	DType      string `json:"dtype"`
	NullCount  int    `json:"null_count"`
	Min        any    `json:"min"`
	Max        any    `json:"max"`
	NUnique    int    `json:"n_unique"`
	Examples   []any  `json:"examples"`
}

// TaskState is a task's lifecycle in the status map.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskComplete TaskState = "complete"
	TaskError    TaskState = "error"
)

// TaskStatus is the REST-visible record of a task. Result bytes are base64
// in the JSON form for transport.
type TaskStatus struct {
	TaskID     string    `json:"task_id"`
	State      TaskState `json:"state"`
	ResultType string    `json:"result_type,omitempty"`
	FileRef    string    `json:"file_ref,omitempty"`
	Result     []byte    `json:"result,omitempty"`
	Data       any       `json:"data,omitempty"`
	Error      string    `json:"error,omitempty"`
}
