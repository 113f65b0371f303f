package model

import "time"

// RepairReport describes the outcome of a registry recovery attempt. It is
// surfaced to operators so they can locate the retained corrupt backup.
type RepairReport struct {
	Path           string    `json:"path"`
	BackupPath     string    `json:"backupPath,omitempty"`
	TruncatedBytes int       `json:"truncatedBytes"`
	Records        int       `json:"records"`
	Repaired       bool      `json:"repaired"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}
