package cloud

import "errors"

// Error taxonomy for cloud calls. Callers branch with errors.Is:
//   - ErrAuth: invalid or expired credentials, triggers re-authentication.
//   - ErrTransient: network failure or 5xx, safe to retry next cycle.
//   - ErrNotFound: asset not yet available (snapshot upload lags the call
//     record), retryable, never fatal.
//   - ErrCommandRejected: the cloud refused a door command, never retried
//     automatically.
var (
	ErrAuth            = errors.New("cloud: authentication failed")
	ErrTransient       = errors.New("cloud: transient error")
	ErrNotFound        = errors.New("cloud: not found")
	ErrCommandRejected = errors.New("cloud: command rejected")
)
