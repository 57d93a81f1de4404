package scheduler

import (
	"time"

	"github.com/JakeFAU/media-harvester/internal/harvest"
)

// Notification is published when a job reaches a terminal status.
type Notification struct {
	JobID      string            `json:"job_id"`
	Status     harvest.JobStatus `json:"status"`
	Downloaded int               `json:"downloaded"`
	Images     int               `json:"images"`
	Videos     int               `json:"videos"`
	Bytes      int64             `json:"bytes"`
	Message    string            `json:"message"`
	EndedAt    *time.Time        `json:"ended_at,omitempty"`
}

// NotificationFor summarizes a finished job.
func NotificationFor(job harvest.Job) Notification {
	return Notification{
		JobID:      job.ID,
		Status:     job.Status,
		Downloaded: job.Downloaded,
		Images:     job.Images,
		Videos:     job.Videos,
		Bytes:      job.Bytes,
		Message:    job.Message,
		EndedAt:    job.EndedAt,
	}
}

// Attributes lets subscribers filter on job id and status without decoding the body.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"job_id": n.JobID,
		"status": string(n.Status),
	}
}
