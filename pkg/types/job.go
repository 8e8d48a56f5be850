package types

// JobStatus represents the lifecycle state of a job on the relay.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status accepts no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a claimed unit of graph execution as returned by the relay's
// claim endpoint. The embedded TaskGraph is the graph to execute.
type Job struct {
	ID               string     `json:"job_id"`
	GraphID          string     `json:"graph_id"`
	Status           JobStatus  `json:"status"`
	TaskGraph        *TaskGraph `json:"taskgraph,omitempty"`
	CurrentNodeID    string     `json:"current_node_id,omitempty"`
	CurrentNodeIndex int        `json:"current_node_index"`
}

// JobListItem is a lightweight job representation for queue listings.
type JobListItem struct {
	ID               string    `json:"job_id"`
	GraphID          string    `json:"graph_id"`
	Status           JobStatus `json:"status"`
	CreatedAt        string    `json:"created_at"`
	ClaimedBy        string    `json:"claimed_by,omitempty"`
	CurrentNodeID    string    `json:"current_node_id,omitempty"`
	CurrentNodeIndex int       `json:"current_node_index"`
	UserRequest      string    `json:"user_request,omitempty"`
	TotalNodes       int       `json:"total_nodes,omitempty"`
}
