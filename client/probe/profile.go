package probe

import "time"

// Phase is one measurement operation of a run.
type Phase string

const (
	PhasePing      Phase = "ping"
	PhaseDownload  Phase = "download"
	PhaseUpload    Phase = "upload"
	PhaseIntegrity Phase = "integrity"
)

// FailurePolicy decides what a phase returns when all of its attempts fail.
type FailurePolicy int

const (
	// PolicySentinel replaces an exhausted phase with a fixed worst-case
	// value (999 ms ping, 0 KB/s throughput) so the run never fails
	// mid-suite.
	PolicySentinel FailurePolicy = iota

	// PolicyStrict fails the run with ErrProbeTimeout.
	PolicyStrict
)

func (p FailurePolicy) String() string {
	switch p {
	case PolicySentinel:
		return "sentinel"
	case PolicyStrict:
		return "strict"
	default:
		return "unknown"
	}
}

const (
	// SentinelPingMs is reported for a ping phase without any successful
	// attempt under PolicySentinel.
	SentinelPingMs = 999.0

	KiB = 1024
	MiB = 1024 * KiB
)

// Profile is a named bundle of phases and attempt counts.
type Profile struct {
	Name string

	PingAttempts  int
	DownloadSizes []int64
	UploadSizes   []int64

	// Integrity enables the hash round trip with a payload of
	// IntegritySize bytes.
	Integrity     bool
	IntegritySize int

	// VerifyDownload asks the endpoint for the content hash of each
	// download and discards transfers that don't match.
	VerifyDownload bool

	Policy FailurePolicy

	// EnforceCap makes the scheduler apply its global concurrency cap
	// to runs of this profile. Per-candidate dedupe always applies.
	EnforceCap bool

	PingTimeout     time.Duration
	TransferTimeout time.Duration
}

var (
	Basic = Profile{
		Name:            "basic",
		PingAttempts:    1,
		DownloadSizes:   []int64{512 * KiB},
		Policy:          PolicySentinel,
		EnforceCap:      true,
		PingTimeout:     2 * time.Second,
		TransferTimeout: 8 * time.Second,
	}

	Comprehensive = Profile{
		Name:            "comprehensive",
		PingAttempts:    5,
		DownloadSizes:   []int64{1 * MiB, 2 * MiB},
		UploadSizes:     []int64{512 * KiB, 1 * MiB},
		Integrity:       true,
		IntegritySize:   100 * KiB,
		VerifyDownload:  true,
		Policy:          PolicyStrict,
		EnforceCap:      false,
		PingTimeout:     5 * time.Second,
		TransferTimeout: 10 * time.Second,
	}
)

// ProfileByName returns one of the built-in profiles.
func ProfileByName(name string) (Profile, bool) {
	switch name {
	case Basic.Name:
		return Basic, true
	case Comprehensive.Name:
		return Comprehensive, true
	}
	return Profile{}, false
}

// Budget is the longest a run of p can take when every attempt runs
// into its timeout.
func (p Profile) Budget() time.Duration {
	transfers := len(p.DownloadSizes) + len(p.UploadSizes)
	if p.Integrity {
		transfers++
	}
	return time.Duration(p.PingAttempts)*p.PingTimeout + time.Duration(transfers)*p.TransferTimeout
}

func (p Profile) steps() int {
	n := p.PingAttempts + len(p.DownloadSizes) + len(p.UploadSizes)
	if p.Integrity {
		n++
	}
	return n
}
