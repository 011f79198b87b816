package trust

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Reasons a trust chain verification can fail. Each maps to a distinct
// attack or misconfiguration the verifier must distinguish.
const (
	ReasonBadSignature = "bad signature"
	ReasonThreshold    = "threshold not met"
	ReasonExpired      = "expired"
	ReasonRollback     = "rollback"
	ReasonInconsistent = "inconsistent version reference"
)

var (
	// ErrKeyExists is returned when creating a key that is already on disk.
	ErrKeyExists = errors.New("key already exists")
	// ErrMissingRootKey is returned when an operation requires the root
	// key to have been created first.
	ErrMissingRootKey = errors.New("root key does not exist")
	// ErrInvalidArgument is returned for precondition violations such as
	// pushing a target with no sources.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ChainError reports a fatal verification failure. No part of the chain
// is committed when one is returned.
type ChainError struct {
	Role   Role
	Reason string
	Detail string
}

func (e *ChainError) Error() string {
	msg := fmt.Sprintf("trust chain rejected at %s: %s", e.Role, e.Reason)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// MissingMetadataError reports a metadata document that was expected on
// the registry but is absent. Not retried: a registry that lost a
// document cannot regain it by being asked again.
type MissingMetadataError struct {
	Name string
}

func (e *MissingMetadataError) Error() string {
	return fmt.Sprintf("metadata document %s missing from registry", e.Name)
}

// DigestMismatchError reports streamed blob content disagreeing with
// the trusted digest. Any bytes already surfaced are untrusted.
type DigestMismatchError struct {
	Name     string
	Expected digest.Digest
}

func (e *DigestMismatchError) Error() string {
	return fmt.Sprintf("content for target %s does not match trusted digest %s", e.Name, e.Expected)
}
