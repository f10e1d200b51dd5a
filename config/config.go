// Package config loads the engine's named-profile configuration file:
// database parameters, failure-policy knobs, concurrency limits, the
// listen socket, authorized tokens, and the auxiliary paths (command
// pipe, log file). One profile is selected by name or by the
// TARGETFLOW_PROFILE environment variable.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ProfileEnvVar is the environment variable consulted when no profile
// name is given explicitly.
const ProfileEnvVar = "TARGETFLOW_PROFILE"

// TLSConfig names the cert/key pair for a TLS listener on Profile.Port.
// Leaving CertPath/KeyPath empty means plain TCP on that port.
type TLSConfig struct {
	CertPath string `json:"cert_path,omitempty"`
	KeyPath  string `json:"key_path,omitempty"`
}

// TokenSpec is one authorized client credential.
type TokenSpec struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
}

// Profile is one named configuration value from the config file.
type Profile struct {
	Name string `json:"name"`

	// DatabaseParameters is the target-store URI (store.Open's scheme
	// dispatch): "memory://", "sqlite://path", or "mysql://dsn".
	DatabaseParameters string `json:"database_parameters"`

	// Failure policy knobs.
	MaximumSuccessiveAttempts           int  `json:"maximum_successive_attempts"`
	TurnUnixSSHFailureIntoTargetFailure bool `json:"turn_unix_ssh_failure_into_target_failure"`

	// Concurrency/timing knobs.
	EngineStepBatchSize      int           `json:"engine_step_batch_size"`
	ConcurrentAutomatonSteps int           `json:"concurrent_automaton_steps"`
	HostTimeoutUpperBoundSec float64       `json:"host_timeout_upper_bound_seconds"`
	OrphanKillingWaitSec     float64       `json:"orphan_killing_wait_seconds"`
	MaxBlockingTimeSec       float64       `json:"max_blocking_time_seconds"`

	// Listen socket.
	Port int        `json:"port"`
	TLS  *TLSConfig `json:"tls,omitempty"`

	Tokens []TokenSpec `json:"tokens"`

	CommandPipePath string `json:"command_pipe_path,omitempty"`
	LogPath         string `json:"log_path,omitempty"`

	// DumpDir, when set, receives periodic JSON snapshots of the full
	// target store, alongside the debug log.
	DumpDir         string  `json:"dump_dir,omitempty"`
	DumpIntervalSec float64 `json:"dump_interval_seconds,omitempty"`

	ReadOnly            bool `json:"read_only,omitempty"`
	ReturnErrorMessages bool `json:"return_error_messages,omitempty"`
}

// HostTimeoutUpperBound and OrphanKillingWait render the float-seconds
// JSON fields as time.Duration for the driver/executor to consume
// directly.
func (p Profile) HostTimeoutUpperBound() time.Duration {
	return durationOrDefault(p.HostTimeoutUpperBoundSec, 60*time.Second)
}

func (p Profile) OrphanKillingWait() time.Duration {
	return durationOrDefault(p.OrphanKillingWaitSec, 30*time.Second)
}

func (p Profile) MaxBlockingTime() time.Duration {
	return durationOrDefault(p.MaxBlockingTimeSec, 30*time.Second)
}

func (p Profile) DumpInterval() time.Duration {
	return durationOrDefault(p.DumpIntervalSec, 5*time.Minute)
}

func durationOrDefault(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

// File is the top-level shape of the configuration file: a list of
// named profiles.
type File struct {
	Profiles []Profile `json:"profiles"`
}

// Option overrides a field on a Profile after it's loaded, for
// programmatic construction in tests without a config file on disk.
type Option func(*Profile)

// WithPort overrides the listen port.
func WithPort(port int) Option {
	return func(p *Profile) { p.Port = port }
}

// WithDatabaseParameters overrides the store URI.
func WithDatabaseParameters(uri string) Option {
	return func(p *Profile) { p.DatabaseParameters = uri }
}

// WithReadOnly overrides the read-only flag.
func WithReadOnly(ro bool) Option {
	return func(p *Profile) { p.ReadOnly = ro }
}

// Default returns a Profile with the documented defaults applied,
// suitable as a quickstart or test profile with no config file at all.
func Default() Profile {
	return Profile{
		Name:                     "default",
		DatabaseParameters:       "memory://",
		MaximumSuccessiveAttempts: 3,
		EngineStepBatchSize:      64,
		ConcurrentAutomatonSteps: 4,
		HostTimeoutUpperBoundSec: 60,
		OrphanKillingWaitSec:     30,
		MaxBlockingTimeSec:       30,
		Port:                     7776,
	}
}

// Load reads path, selects profileName (or the TARGETFLOW_PROFILE
// environment variable if profileName is empty), and applies opts on
// top of the selected profile.
func Load(path, profileName string, opts ...Option) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return Profile{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return Select(f, profileName, opts...)
}

// Select picks profileName out of f (or TARGETFLOW_PROFILE if empty),
// applying opts. A file with exactly one profile and no name requested
// selects that profile without requiring a match.
func Select(f File, profileName string, opts ...Option) (Profile, error) {
	if profileName == "" {
		profileName = os.Getenv(ProfileEnvVar)
	}
	if profileName == "" && len(f.Profiles) == 1 {
		return apply(f.Profiles[0], opts), nil
	}
	for _, p := range f.Profiles {
		if p.Name == profileName {
			return apply(p, opts), nil
		}
	}
	return Profile{}, fmt.Errorf("config: no profile named %q (set %s or pass one explicitly)", profileName, ProfileEnvVar)
}

func apply(p Profile, opts []Option) Profile {
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
