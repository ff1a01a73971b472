package domain

import "errors"

// Store errors - 儲存層錯誤
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a record with the same key already exists
	ErrAlreadyExists = errors.New("record already exists")

	// ErrDirectoryNotFound indicates the referenced directory does not exist
	ErrDirectoryNotFound = errors.New("directory not found")

	// ErrJobNotFound indicates the referenced sync job does not exist
	ErrJobNotFound = errors.New("sync job not found")
)

// Job ledger errors - 任務紀錄錯誤
var (
	// ErrJobFinalized indicates a terminal job was asked to change state
	ErrJobFinalized = errors.New("sync job already finalized")

	// ErrInvalidTransition indicates a job status change that is not allowed
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrSyncInProgress indicates another run of the directory is in flight
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Provider errors - 目錄供應商錯誤
var (
	// ErrUnknownProvider indicates a directory names a provider with no syncer
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrConnectivity indicates the provider could not be reached or rejected the probe
	ErrConnectivity = errors.New("connectivity check failed")

	// ErrAuthentication indicates the token exchange failed or returned no access token
	ErrAuthentication = errors.New("authentication failed")

	// ErrPermissionDenied indicates the credentials lack the required permissions
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited indicates the provider kept throttling after all retries
	ErrRateLimited = errors.New("rate limited")

	// ErrCursorExpired indicates the stored delta cursor is no longer accepted
	ErrCursorExpired = errors.New("delta cursor expired")
)

// Scheduler errors - 排程器錯誤
var (
	// ErrSchedulerStarted indicates Start was called on a loop that already started
	ErrSchedulerStarted = errors.New("scheduler already started")

	// ErrSchedulerNotRunning indicates Stop was called on a loop that is not running
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrInstanceLocked indicates another live process holds the data directory lock
	ErrInstanceLocked = errors.New("instance lock held by another process")
)

// Config errors - 設定檔錯誤
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")
)
