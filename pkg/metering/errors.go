package metering

import "errors"

var (
	// ErrCompanyNotFound is returned when the directory has no such company
	ErrCompanyNotFound = errors.New("company not found")

	// ErrUnknownResource is returned for resource types outside the known set
	ErrUnknownResource = errors.New("unknown resource type")

	// ErrInvalidAmount is returned for negative usage amounts
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidLimit is returned for malformed limit configurations
	ErrInvalidLimit = errors.New("invalid resource limit")

	// ErrInvalidThreshold is returned for alert thresholds outside 0-100
	ErrInvalidThreshold = errors.New("invalid alert threshold")

	// ErrInvalidUnit is returned for unknown period units
	ErrInvalidUnit = errors.New("invalid period unit")

	// ErrInvalidStatus is returned for unknown metering statuses
	ErrInvalidStatus = errors.New("invalid metering status")

	// ErrUsageNotFound is returned when no ledger entry exists for a resource
	ErrUsageNotFound = errors.New("resource usage not found")

	// ErrSummaryNotFound is returned when no summary has been generated yet
	ErrSummaryNotFound = errors.New("usage summary not found")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDirectoryUnavailable is returned when no directory collaborator is wired
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	// ErrConflict is returned by storage adapters when an optimistic
	// conditional update lost the race and should be retried
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrReportFailed wraps failures of the delegated report-generation job
	ErrReportFailed = errors.New("failed to generate usage report")
)

// IsConflict reports whether err is an optimistic-concurrency conflict that
// exhausted its retries.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
