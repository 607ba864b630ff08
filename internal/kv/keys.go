package kv

import (
	"strings"
	"time"
)

// PIDMapTTL bounds the lifetime of the name-keyed reverse index. It only has
// to survive from command start to command finish.
const PIDMapTTL = 300 * time.Second

// Key layout for correlation state. The shapes are fixed; the sync engine
// parses process ids and command names back out of them.
const (
	RunningCommandsKey  = "commands:running"
	FinishedCommandsKey = "commands:finished"

	jobsPrefix       = "command:"
	jobsSuffix       = ":jobs"
	cmdMetricsPrefix = "command:metrics:"
	jobMetricsPrefix = "job:metrics:"
	pidMapPrefix     = "command-pid-map:"
)

// JobsKey is the per-process hash of jobID -> JobRecord JSON.
func JobsKey(processID string) string { return jobsPrefix + processID + jobsSuffix }

// CommandMetricsKey is the per-run counter hash for a command invocation.
func CommandMetricsKey(commandName, processID string) string {
	return cmdMetricsPrefix + commandName + ":" + processID
}

// JobMetricsKey holds a standalone metric hash for a manual-dispatch job.
func JobMetricsKey(jobID string) string { return jobMetricsPrefix + jobID }

// PIDMapKey is the short-TTL reverse index commandName -> processID.
func PIDMapKey(commandName string) string { return pidMapPrefix + commandName }

// CommandMetricsPrefix and JobsScanPrefix are scan prefixes for the sync engine.
func CommandMetricsPrefix() string { return cmdMetricsPrefix }
func JobMetricsPrefix() string     { return jobMetricsPrefix }
func JobsScanPrefix() string       { return jobsPrefix }

// IsJobsKey reports whether key holds a per-process job hash. The
// command:metrics: namespace shares the command: prefix, so scanning for job
// hashes must exclude it.
func IsJobsKey(key string) bool {
	return strings.HasPrefix(key, jobsPrefix) &&
		strings.HasSuffix(key, jobsSuffix) &&
		!strings.HasPrefix(key, cmdMetricsPrefix)
}

// ProcessIDFromJobsKey extracts the process id from a command:{pid}:jobs key.
func ProcessIDFromJobsKey(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, jobsPrefix), jobsSuffix)
}

// SplitCommandMetricsKey extracts (commandName, processID) from a
// command:metrics:{name}:{pid} key. Command names may contain colons; the
// process id is the final segment.
func SplitCommandMetricsKey(key string) (commandName, processID string, ok bool) {
	rest := strings.TrimPrefix(key, cmdMetricsPrefix)
	if rest == key {
		return "", "", false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// JobIDFromJobMetricsKey extracts the job id from a job:metrics:{jobID} key.
func JobIDFromJobMetricsKey(key string) string {
	return strings.TrimPrefix(key, jobMetricsPrefix)
}
