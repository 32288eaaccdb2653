package fraud

// EngineResult is returned for every completed evaluation.
type EngineResult struct {
	Fraud  bool   `json:"fraud"`
	Reason string `json:"reason,omitempty"`
}
