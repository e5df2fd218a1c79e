package domain

import "time"

// Profile is the latest completed score card for a registrable domain.
type Profile struct {
	Domain      string         `json:"domain"`
	AuditID     string         `json:"auditId"`
	URL         string         `json:"url"`
	Overall     int            `json:"overall"`
	Scores      map[string]int `json:"scores"`
	Failed      []string       `json:"failed,omitempty"`
	CompletedAt time.Time      `json:"completedAt"`
}
