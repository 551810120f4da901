package dto

// VerifyRequest is the POST /verify payload.
type VerifyRequest struct {
	IdentityID string `json:"identity_id" binding:"required,uuid"`
	Snapshot   string `json:"snapshot" binding:"required"`
}

// IdentifyRequest is the POST /identify payload.
type IdentifyRequest struct {
	Snapshot string `json:"snapshot" binding:"required"`
	TopK     int    `json:"top_k" binding:"omitempty,min=1,max=50"`
}

// DecisionRequest carries the reviewer's note on approve or reject.
type DecisionRequest struct {
	Note string `json:"note" binding:"max=500"`
}

// ReadinessResponse reports dependency health.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
