// Package constants defines cross-cutting protocol constants and configuration defaults.
package constants

import "time"

// Protocol Configuration
const (
	// Protocol version carried in every frame
	ProtocolVersion = 1

	// ALPN identifier negotiated by the transports
	ALPN = "beevault/1"

	// Default ports
	DefaultListenPort           = 5483
	DefaultServiceDiscoveryPort = 5484

	// Default network name when none is configured
	DefaultNetworkName = "beevault"

	// Hash algorithm: BLAKE3-256
	HashAlgorithm = "blake3-256"

	// Max tolerated clock skew ±120s
	MaxClockSkew = 120 * time.Second
)

// Section Configuration
const (
	// MinSectionSizeFloor is the absolute lower bound for min_section_size.
	// A quorum of one is the smallest that can ever form.
	MinSectionSizeFloor = 1

	// DefaultMinSectionSize matches the group size used by deployed networks
	DefaultMinSectionSize = 8

	// SplitFactor sets the upper bound as SplitFactor*min_section_size
	SplitFactor = 2

	// Default quorum: strictly more than 1/2 of the section
	DefaultQuorumNumerator   = 1
	DefaultQuorumDenominator = 2

	// CheckpointInterval is the number of applied events between snapshots
	CheckpointInterval = 64

	// MaxBufferedEvents bounds out-of-order events held while resyncing
	MaxBufferedEvents = 256

	// RelocateUtilization is the local utilization at or above which joining
	// candidates are sent to a sibling section that is not larger
	RelocateUtilization = 0.9

	// MaxRelocationPrefixLen bounds the key search of a relocated node.
	// Finding a name under a prefix of n bits takes about 2^n keys.
	MaxRelocationPrefixLen = 20
)

// Consensus Timing
const (
	// DefaultProposalTimeout bounds the wait for quorum on a proposal
	DefaultProposalTimeout = 20 * time.Second

	// DefaultRetryBudget is how many rounds a slot may be abandoned before
	// the failure is surfaced to the operator
	DefaultRetryBudget = 5

	// DefaultTickInterval drives deadline checks
	DefaultTickInterval = 500 * time.Millisecond
)

// Resource Proof Configuration
const (
	// Difficulty is measured in leading zero bits of the puzzle hash
	DefaultProofBaseBits = 20
	DefaultProofMinBits  = 8
	DefaultProofMaxBits  = 28

	// Utilization at or above which a section is considered under-resourced
	UnderResourcedUtilization = 0.8

	// DefaultChallengeTimeout is the window a candidate has to answer
	DefaultChallengeTimeout = 60 * time.Second

	// MaxOutstandingChallenges per candidate before Throttled
	MaxOutstandingChallenges = 2

	// MaxProofFailures before a candidate is banned
	MaxProofFailures = 3

	// BanDuration for candidates and clients that abuse admission
	BanDuration = 10 * time.Minute

	// SeedSize of a challenge seed in bytes
	SeedSize = 32

	// AcceptedRetention is how long accepted challenges are remembered
	// so resubmissions stay no-ops
	AcceptedRetention = 10 * time.Minute
)

// Client Admission Configuration
const (
	// Token bucket defaults
	DefaultRateBurst        = 10
	DefaultRateRefillPerSec = 1.0
	DefaultMaxMutations     = 500
	ClientBucketIdleTimeout = time.Hour
	ClientBucketSweepEvery  = 10 * time.Minute
)

// Liveness Configuration
const (
	DefaultSuspectAfter = 30 * time.Second
	DefaultFailAfter    = 90 * time.Second
)

// Capacity Configuration
const (
	// DefaultMaxCapacity is 2 GiB
	DefaultMaxCapacity = 2 * 1024 * 1024 * 1024
)

// Error Codes
const (
	ErrorInvalidSig          = 1
	ErrorNotInSection        = 2
	ErrorVersionMismatch     = 3
	ErrorThrottled           = 4
	ErrorExpired             = 5
	ErrorRateExceeded        = 6
	ErrorMutationCapExceeded = 7
	ErrorCapacityExceeded    = 8
	ErrorSequenceGap         = 9
	ErrorQuorumAbandoned     = 10
	ErrorInvariantViolation  = 11
	ErrorProofRejected       = 12
	ErrorNotManager          = 13
	ErrorMalformed           = 14
)

// Message Kinds
const (
	KindError           = 0
	KindConnectRequest  = 1
	KindChallenge       = 2
	KindProofResponse   = 3
	KindConnectResponse = 4
	KindProposal        = 10
	KindVote            = 11
	KindSnapshotRequest = 20
	KindSnapshot        = 21
	KindHeartbeat       = 30
)
