package domain

import "time"

// NotifyTemplate is message content with {{var}} placeholders. SystemEvent
// binds the template to a lifecycle event; at most one template per event.
type NotifyTemplate struct {
	ID          int64     `json:"id,string" form:"id"`
	Name        string    `gorm:"uniqueIndex;size:128" json:"name" form:"name"`
	Category    string    `gorm:"index" json:"category" form:"category"`
	Content     string    `json:"content" form:"content"`
	SystemEvent *string   `gorm:"uniqueIndex;size:128" json:"system_event,omitempty" form:"system_event"`
	Remark      string    `json:"remark" form:"remark"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (NotifyTemplate) TableName() string {
	return "notify_template"
}

// NotifyLog is the audit trail of dispatched notifications.
type NotifyLog struct {
	ID          int64     `json:"id,string"`
	Kind        string    `gorm:"index" json:"kind"`
	Target      string    `json:"target"`
	Destination string    `json:"destination"`
	Success     bool      `json:"success"`
	ErrorKind   string    `json:"error_kind"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (NotifyLog) TableName() string {
	return "notify_log"
}

// NotifyScheduler is a periodic broadcast job.
type NotifyScheduler struct {
	ID          int64     `json:"id,string" form:"id"`                    // Primary key ID
	Name        string    `json:"name" form:"name"`                       // Scheduler name
	TaskType    string    `json:"task_type" form:"task_type"`             // broadcast_template, broadcast_event
	Interval    int       `json:"interval" form:"interval"`               // Interval in seconds
	Status      string    `json:"status" form:"status"`                   // enabled/disabled
	LastRunAt   time.Time `json:"last_run_at"`                            // Last execution time
	NextRunAt   time.Time `json:"next_run_at"`                            // Next scheduled execution time
	LastResult  string    `json:"last_result" form:"last_result"`         // success/failed
	LastMessage string    `json:"last_message" form:"last_message"`       // Last execution message or error
	Config      string    `json:"config" form:"config"`                   // JSON config for task-specific settings
	Remark      string    `json:"remark" form:"remark"`                   // Remark
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (NotifyScheduler) TableName() string {
	return "notify_scheduler"
}
