package models

// KeepAliveResult is the outcome of one connection health check.
type KeepAliveResult struct {
	Checked            bool   `json:"checked"`
	Connected          bool   `json:"connected"`
	ReconnectAttempted bool   `json:"reconnectAttempted"`
	ProfileName        string `json:"profileName"`
	Message            string `json:"message"`
}

// SignalSummary is returned by the strategy-signal service for one setup.
type SignalSummary struct {
	SetupID      string `json:"setupId"`
	TotalSignals int    `json:"totalSignals"`
}
