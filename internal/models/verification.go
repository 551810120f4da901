package models

// VerificationResult is the outcome of a 1:1 check. A rejected face is a
// result, not an error.
type VerificationResult struct {
	IdentityID string  `json:"identity_id"`
	Verified   bool    `json:"verified"`
	Outcome    string  `json:"outcome"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider"`
	Message    string  `json:"message,omitempty"`
}

// IdentifyCandidate is one ranked 1:N match.
type IdentifyCandidate struct {
	IdentityID string  `json:"identity_id"`
	FullName   string  `json:"full_name,omitempty"`
	Similarity float64 `json:"similarity"`
}

// IdentifyResult lists candidates best first.
type IdentifyResult struct {
	Outcome    string              `json:"outcome"`
	Candidates []IdentifyCandidate `json:"candidates"`
	Threshold  float64             `json:"threshold"`
	Message    string              `json:"message,omitempty"`
}
