package jobs

import (
	"time"
)

// State tracks a job through the queue
type State string

const (
	// StateQueued means the job is waiting for dispatch.
	StateQueued State = "queued"
	// StateRunning means the job's tasks are being sent to the device.
	StateRunning State = "running"
	// StateInactive means a transient failure parked the job for a
	// later retry attempt.
	StateInactive State = "inactive"
	// StateComplete means the device acknowledged all tasks.
	StateComplete State = "complete"
	// StateFailed is terminal.
	StateFailed State = "failed"
)

// Task is one ordered device operation inside a job.
type Task struct {
	Entity  string                 `json:"entity"`
	Message string                 `json:"message"`
	Params  map[string]interface{} `json:"params"`
}

// Response is the metadata echoed back on completion or failure; Method
// selects the handler family, Data carries whatever that family needs
// to interpret the outcome.
type Response struct {
	Method string                 `json:"method"`
	Data   map[string]interface{} `json:"data"`
}

// Data is the opaque-to-the-queue job body.
type Data struct {
	Tasks    []Task   `json:"tasks"`
	Response Response `json:"response"`
}

// Options carries presentation metadata for a job.
type Options struct {
	Title string `json:"title"`
}

// Job is one unit of device work. MachineID doubles as the job type:
// each device has its own logical queue and delivery within it is
// serialized by the dispatcher.
type Job struct {
	ID        string
	MachineID string
	Org       string
	Username  string
	Data      Data
	Options   Options
	State     State
	Attempts  int
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Queue is the job queue contract the core depends on. The storage
// engine behind it is interchangeable; BoltQueue is the bundled
// implementation.
type Queue interface {
	Enqueue(machineID, username, org string, data Data, opts Options) (*Job, error)
	GetJob(id string) (*Job, error)
	IterateJobsByOrg(org string, fn func(*Job) bool) error
	ListByState(states ...State) ([]*Job, error)
	Update(job *Job) error
	Delete(id string) error
}
