package repository

import "codeberg.org/mutker/coolerd/internal/errors"

const (
	// Discovery errors
	ErrDiscoveryFailed = errors.ErrInitFailed
	ErrNoDevicesFound  = errors.ErrorCode("repo_no_devices_found")

	// Status errors
	ErrStatusRead = errors.ErrorCode("repo_status_read_failed")

	// Setting errors
	ErrSettingWrite = errors.ErrorCode("repo_setting_write_failed")

	// Transport errors
	ErrBackendRequest = errors.ErrTransport
)
