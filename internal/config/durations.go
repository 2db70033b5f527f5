package config

import "time"

// Timeout fields are stored as whole seconds in the TOML file; these
// accessors convert them at use sites.

func seconds(value int) time.Duration { return time.Duration(value) * time.Second }

// ProcessingTimeoutDuration bounds one engine run.
func (e Engine) ProcessingTimeoutDuration() time.Duration { return seconds(e.ProcessingTimeout) }

// ReadyTimeoutDuration bounds the engine readiness probe.
func (e Engine) ReadyTimeoutDuration() time.Duration { return seconds(e.ReadyTimeout) }

// IntegrityTimeoutDuration bounds the archive integrity check.
func (v Validator) IntegrityTimeoutDuration() time.Duration { return seconds(v.IntegrityTimeout) }

// HeartbeatIntervalDuration is the cadence of liveness updates during a run.
func (w Workflow) HeartbeatIntervalDuration() time.Duration { return seconds(w.HeartbeatInterval) }

// HeartbeatTimeoutDuration is the stall threshold; zero disables detection.
func (w Workflow) HeartbeatTimeoutDuration() time.Duration { return seconds(w.HeartbeatTimeout) }

// ErrorRetryIntervalDuration is the pause after a failed document before the
// batch moves on.
func (w Workflow) ErrorRetryIntervalDuration() time.Duration { return seconds(w.ErrorRetryInterval) }
