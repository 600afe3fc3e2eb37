// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidServerID    = errors.New("invalid server id")
	ErrInvalidTimeout     = errors.New("invalid default timeout")
	ErrInvalidMailboxSize = errors.New("invalid mailbox size")
	ErrInvalidIdleRecycle = errors.New("invalid idle recycle settings")
	ErrInvalidDriver      = errors.New("invalid persistence driver")
	ErrInvalidBatchSize   = errors.New("invalid batch size")
	ErrInvalidSaveTiming  = errors.New("invalid save timing")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound = errors.New("configuration file not found")
	ErrConfigWatchError   = errors.New("configuration watch error")
)
