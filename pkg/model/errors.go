package model

import "errors"

// Intent errors reject a mutation and leave the topology untouched.
var (
	// ErrValidationFailed indicates a mutation would break a topology invariant.
	ErrValidationFailed = errors.New("validation failed")

	// ErrNotFound indicates the referenced device does not exist.
	ErrNotFound = errors.New("device not found")

	// ErrNoServer indicates a device was added before the server was provisioned.
	ErrNoServer = errors.New("no server")
)

// Provisioning and delivery errors are non-fatal to local consistency.
var (
	// ErrKeyProvisioningFailed indicates the key generator failed; the entity stays unkeyed.
	ErrKeyProvisioningFailed = errors.New("key provisioning failed")

	// ErrPushFailed indicates a derived artifact could not be delivered to the WirtBot.
	ErrPushFailed = errors.New("push failed")
)

// Backup and storage errors.
var (
	// ErrUnmigratableBackup indicates a backup could not be upgraded to a valid current topology.
	ErrUnmigratableBackup = errors.New("unmigratable backup")

	// ErrPersistFailed indicates the snapshot could not be written.
	ErrPersistFailed = errors.New("persist failed")
)
