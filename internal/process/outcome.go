package process

import (
	"fmt"
	"strconv"
)

// Kind is the normalized result of a supervised script.
type Kind int

const (
	Unclassified Kind = iota
	Success
	FilesMissing
	InvalidPath
	ResourceExhausted
	AccessDenied
	Canceled
	NotFound
	ScriptError
	AsyncPending
	AsyncRunning
	Progress
	Timeout
	KillFailed
	SpawnFailed
)

// Reserved exit codes. Timeout and KillFailed are produced by the runner
// itself and can never be returned by a script.
const (
	CodeSuccess           = 0
	CodeFilesMissing      = 2
	CodeInvalidPath       = 3
	CodeResourceExhausted = 4
	CodeAccessDenied      = 5
	CodeCanceled          = 6
	CodeNotFound          = 7
	CodeScriptError       = 8
	CodeAsyncPending      = 9
	CodeAsyncRunning      = 10
	CodeProgressMin       = 100
	CodeProgressMax       = 199
	CodeTimeout           = 999
	CodeKillFailed        = 1999
)

var exitCodes = map[int]Kind{
	CodeSuccess:           Success,
	CodeFilesMissing:      FilesMissing,
	CodeInvalidPath:       InvalidPath,
	CodeResourceExhausted: ResourceExhausted,
	CodeAccessDenied:      AccessDenied,
	CodeCanceled:          Canceled,
	CodeNotFound:          NotFound,
	CodeScriptError:       ScriptError,
	CodeAsyncPending:      AsyncPending,
	CodeAsyncRunning:      AsyncRunning,
	CodeTimeout:           Timeout,
	CodeKillFailed:        KillFailed,
}

var kindNames = [...]string{
	Unclassified:      "unclassified",
	Success:           "success",
	FilesMissing:      "files-missing",
	InvalidPath:       "invalid-path",
	ResourceExhausted: "resource-exhausted",
	AccessDenied:      "access-denied",
	Canceled:          "canceled",
	NotFound:          "not-found",
	ScriptError:       "script-error",
	AsyncPending:      "async-pending",
	AsyncRunning:      "async-running",
	Progress:          "progress",
	Timeout:           "timeout",
	KillFailed:        "kill-failed",
	SpawnFailed:       "spawn-failed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
	return kindNames[k]
}

// Outcome is what a supervised process ended with.
type Outcome struct {
	Kind Kind
	Code int   // raw exit code, -1 when the process did not exit normally
	Err  error // spawn, wait or signal error
}

// Classify maps a raw exit code to its outcome. Every integer maps to
// exactly one Kind.
func Classify(code int) Outcome {
	if k, ok := exitCodes[code]; ok {
		return Outcome{Kind: k, Code: code}
	}
	if code >= CodeProgressMin && code <= CodeProgressMax {
		return Outcome{Kind: Progress, Code: code}
	}
	return Outcome{Kind: Unclassified, Code: code}
}

// Percentage is meaningful for Progress outcomes only.
func (o Outcome) Percentage() int {
	if o.Kind != Progress {
		return 0
	}
	return o.Code - CodeProgressMin
}

// InProgress reports outcomes which keep a task running.
func (o Outcome) InProgress() bool {
	switch o.Kind {
	case AsyncPending, AsyncRunning, Progress:
		return true
	}
	return false
}

func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s (code %d): %v", o.Kind, o.Code, o.Err)
	}
	return fmt.Sprintf("%s (code %d)", o.Kind, o.Code)
}
