package models

import "time"

// ManualRequestStatus is the lifecycle of a manual attendance request.
type ManualRequestStatus string

const (
	ManualRequestPending  ManualRequestStatus = "pending"
	ManualRequestApproved ManualRequestStatus = "approved"
	ManualRequestRejected ManualRequestStatus = "rejected"
)

// ManualRequest asks staff to record attendance without a biometric check.
type ManualRequest struct {
	ID             string              `db:"id" json:"id"`
	IdentityID     string              `db:"identity_id" json:"identity_id"`
	SessionID      string              `db:"session_id" json:"session_id"`
	AttendanceDate time.Time           `db:"attendance_date" json:"attendance_date"`
	Reason         string              `db:"reason" json:"reason"`
	Status         ManualRequestStatus `db:"status" json:"status"`
	ReviewedBy     *string             `db:"reviewed_by" json:"reviewed_by,omitempty"`
	ReviewNote     *string             `db:"review_note" json:"review_note,omitempty"`
	ReviewedAt     *time.Time          `db:"reviewed_at" json:"reviewed_at,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}

// ManualRequestView adds display fields for listings.
type ManualRequestView struct {
	ManualRequest
	FullName     string `db:"full_name" json:"full_name"`
	SessionTitle string `db:"session_title" json:"session_title"`
	CourseCode   string `db:"course_code" json:"course_code"`
}

// SubmitManualRequest is the payload of a new request.
type SubmitManualRequest struct {
	UserID    string `json:"-" validate:"required"`
	SessionID string `json:"session_id" validate:"required,uuid"`
	Reason    string `json:"reason" validate:"required,min=3,max=500"`
}

// DecideManualRequest approves or rejects a pending request.
type DecideManualRequest struct {
	RequestID string `json:"-" validate:"required,uuid"`
	Approve   bool   `json:"-"`
	Note      string `json:"note" validate:"max=500"`
}

// ManualRequestFilter narrows a listing.
type ManualRequestFilter struct {
	Status    *ManualRequestStatus
	SessionID string
	OwnerID   string
	Page      int
	PageSize  int
}

// ManualRequestStats summarises the review queue.
type ManualRequestStats struct {
	Pending       int `db:"pending" json:"pending"`
	ApprovedToday int `db:"approved_today" json:"approved_today"`
	RejectedToday int `db:"rejected_today" json:"rejected_today"`
	Total         int `db:"total" json:"total"`
}
