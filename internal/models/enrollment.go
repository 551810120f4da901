package models

import "time"

// EnrollmentState tracks an enrollment request through the pipeline.
type EnrollmentState string

const (
	EnrollmentReceived          EnrollmentState = "RECEIVED"
	EnrollmentFramesExtracted   EnrollmentState = "FRAMES_EXTRACTED"
	EnrollmentFacesCollected    EnrollmentState = "FACES_COLLECTED"
	EnrollmentFailed            EnrollmentState = "FAILED"
	EnrollmentDuplicateRejected EnrollmentState = "DUPLICATE_REJECTED"
	EnrollmentAggregated        EnrollmentState = "AGGREGATED"
	EnrollmentPersisted         EnrollmentState = "PERSISTED"
)

// AttemptStatus is the recorded outcome of an enrollment attempt.
type AttemptStatus string

const (
	AttemptSuccess           AttemptStatus = "SUCCESS"
	AttemptFailed            AttemptStatus = "FAILED"
	AttemptDuplicateRejected AttemptStatus = "DUPLICATE_REJECTED"
)

// FaceEnrollment is the stored facial template of an identity. Embedding
// holds the versioned binary encoding.
type FaceEnrollment struct {
	ID              string     `db:"id" json:"id"`
	IdentityID      string     `db:"identity_id" json:"identity_id"`
	Embedding       []byte     `db:"embedding" json:"-"`
	Dimension       int        `db:"dimension" json:"dimension"`
	QualityScore    float64    `db:"quality_score" json:"quality_score"`
	FaceConfidence  float64    `db:"face_confidence" json:"face_confidence"`
	FacesDetected   int        `db:"faces_detected" json:"faces_detected"`
	FramesProcessed int        `db:"frames_processed" json:"frames_processed"`
	ThumbnailPath   *string    `db:"thumbnail_path" json:"thumbnail_path,omitempty"`
	Provider        string     `db:"provider" json:"provider"`
	ExternalFaceID  *string    `db:"external_face_id" json:"external_face_id,omitempty"`
	IsActive        bool       `db:"is_active" json:"is_active"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
	DeactivatedAt   *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// Supersession reports what a template write replaced.
type Supersession struct {
	Created bool
	// PriorExternalFaceID is the remote face of the replaced template, if any.
	PriorExternalFaceID *string
}

// EnrollmentAttempt is an append-only audit entry for one enrollment request.
type EnrollmentAttempt struct {
	ID                 string          `db:"id" json:"id"`
	IdentityID         string          `db:"identity_id" json:"identity_id"`
	Status             AttemptStatus   `db:"status" json:"status"`
	FinalState         EnrollmentState `db:"final_state" json:"final_state"`
	MediaKind          string          `db:"media_kind" json:"media_kind"`
	FramesProcessed    int             `db:"frames_processed" json:"frames_processed"`
	FacesDetected      int             `db:"faces_detected" json:"faces_detected"`
	ProcessingMs       int64           `db:"processing_ms" json:"processing_ms"`
	ErrorMessage       *string         `db:"error_message" json:"error_message,omitempty"`
	ConflictIdentityID *string         `db:"conflict_identity_id" json:"conflict_identity_id,omitempty"`
	ConflictSimilarity *float64        `db:"conflict_similarity" json:"conflict_similarity,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// EnrollmentResult is returned by a successful enrollment.
type EnrollmentResult struct {
	EnrollmentID    string  `json:"enrollment_id"`
	IdentityID      string  `json:"identity_id"`
	Quality         float64 `json:"quality"`
	FacesDetected   int     `json:"faces_detected"`
	FramesProcessed int     `json:"frames_processed"`
	Created         bool    `json:"created"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
}

// EnrollmentStatus summarises whether an identity can be verified.
type EnrollmentStatus struct {
	IdentityID   string             `json:"identity_id"`
	Enrolled     bool               `json:"enrolled"`
	Enrollment   *FaceEnrollment    `json:"enrollment,omitempty"`
	ThumbnailURL string             `json:"thumbnail_url,omitempty"`
	LastAttempt  *EnrollmentAttempt `json:"last_attempt,omitempty"`
}

// RecentEnrollment is a row of the statistics feed.
type RecentEnrollment struct {
	IdentityID   string    `db:"identity_id" json:"identity_id"`
	FullName     string    `db:"full_name" json:"full_name"`
	QualityScore float64   `db:"quality_score" json:"quality_score"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// EnrollmentStatistics aggregates enrollment coverage.
type EnrollmentStatistics struct {
	TotalIdentities     int                `json:"total_identities"`
	Enrolled            int                `json:"enrolled"`
	EnrollmentRate      float64            `json:"enrollment_rate"`
	AverageQuality      float64            `json:"average_quality"`
	FailedAttemptsToday int                `json:"failed_attempts_today"`
	Recent              []RecentEnrollment `json:"recent"`
	GeneratedAt         time.Time          `json:"generated_at"`
}

// ActiveEmbedding is the minimal projection streamed for duplicate scans and
// index rebuilds.
type ActiveEmbedding struct {
	IdentityID     string  `db:"identity_id"`
	Embedding      []byte  `db:"embedding"`
	ExternalFaceID *string `db:"external_face_id"`
}
