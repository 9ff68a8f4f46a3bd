package kv

import "fmt"

// Key layout for the shared tier. Every component derives its keys through
// these helpers so the namespace stays in one place.

// ArtifactKey stores the string-encoded artifact for a fingerprint.
func ArtifactKey(fp string) string { return "artifact:" + fp }

// LockKey is the single-flight lock for a fingerprint.
func LockKey(fp string) string { return "lock:" + fp }

// JobIndexKey maps a fingerprint to its current in-flight job id.
func JobIndexKey(fp string) string { return "job:index:" + fp }

// JobKey stores the job record snapshot.
func JobKey(jobID string) string { return "job:" + jobID }

// QueueKey is the FIFO list of queued job ids.
func QueueKey(name string) string { return "queue:" + name }

// QueueCounterKey is the rolling enqueue counter for a queue and day.
func QueueCounterKey(name, day string) string {
	return fmt.Sprintf("queue:%s:enqueued:%s", name, day)
}

// RateLimitKey is the token bucket for a principal/endpoint pair.
func RateLimitKey(principal, endpoint string) string {
	return fmt.Sprintf("rl:%s:%s", principal, endpoint)
}

// RateLimitPattern matches every bucket belonging to a principal.
func RateLimitPattern(principal string) string {
	return fmt.Sprintf("rl:%s:*", principal)
}
