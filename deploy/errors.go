package deploy

import "github.com/pkg/errors"

// Error taxonomy (spec §7) not already owned by a leaf package
// (filter/manifest/server each carry their own sentinels).
var (
	// ErrConfig flags a malformed config, unknown option, or invalid
	// URL discovered while preparing a Deployer.
	ErrConfig = errors.New("deploy: configuration error")

	// ErrConcurrentDeployment flags a live .running sentinel.
	ErrConcurrentDeployment = errors.New("deploy: concurrent deployment lock held")

	// ErrFatalState flags a rollback that itself failed: partial state
	// remains and an operator must intervene. Always surfaces,
	// regardless of phase.
	ErrFatalState = errors.New("deploy: rollback failed, remote state may be inconsistent")
)

// HookError carries the job identity and its failure detail, per spec
// §7 ("carrying the job identity and its stderr/exit code or HTTP
// status").
type HookError struct {
	JobRaw string
	Output string
	Err    error
}

func (e *HookError) Error() string {
	return "hook job " + e.JobRaw + " failed: " + e.Err.Error()
}

func (e *HookError) Unwrap() error { return e.Err }
