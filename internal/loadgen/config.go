// Package loadgen drives a running rankd over HTTP: it reports generated
// scores, reads the resulting ranks back and checks them against the
// expected order.
package loadgen

import "time"

// Config holds configuration for a load run.
type Config struct {
	BaseURL     string        // Base URL of the service
	Leaderboard string        // Leaderboard slug to report on
	Entities    int           // Number of distinct entities
	Duplicates  int           // Reports re-sent with the same event id
	Workers     int           // Number of concurrent submitters
	Settle      time.Duration // Wait between submission and verification
	Timeout     time.Duration // HTTP request timeout
	Verbose     bool
}

// Event is the body of POST /events.
type Event struct {
	EventID     string  `json:"event_id"`
	Leaderboard string  `json:"leaderboard"`
	EntityID    string  `json:"entity_id"`
	Mode        string  `json:"mode"`
	Score       float64 `json:"score"`
	TS          string  `json:"ts"`
}

// Entry is one ranked entry as served by the rank routes.
type Entry struct {
	Rank     int     `json:"rank"`
	EntityID string  `json:"entity_id"`
	Score    float64 `json:"score"`
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type rankResponse struct {
	Entry  Entry  `json:"entry"`
	Source string `json:"source"`
}

type sliceResponse struct {
	Entries []Entry `json:"entries"`
}

// Stats holds run statistics.
type Stats struct {
	Submitted  int64
	Accepted   int64
	Duplicate  int64
	Rejected   int64
	Failed     int64
	Verified   int
	Mismatched int
	Duration   time.Duration
}
