package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCollectionAlreadyInitialised is returned when initialising a tracked collection.
	ErrCollectionAlreadyInitialised = errors.New("collection already initialised")
	// ErrInvalidOperation is returned when an operation is not allowed in the current state.
	ErrInvalidOperation = errors.New("invalid operation")
	// ErrInvalidCollectionVersion is returned when referencing an unknown version.
	ErrInvalidCollectionVersion = errors.New("invalid collection version")
	// ErrInvalidCollectionState is returned when the tracking structures are corrupted.
	ErrInvalidCollectionState = errors.New("invalid collection state")
	// ErrBranchNotFound is returned when referencing an unknown branch.
	ErrBranchNotFound = errors.New("branch not found")
	// ErrAutoMergeFailed is returned when a merge left conflicts behind.
	ErrAutoMergeFailed = errors.New("auto merge failed")
	// ErrNotTracked is returned when versioning an untracked collection.
	ErrNotTracked = errors.New("collection is not tracked")
)

// VersionError reports a reference to a version that does not exist.
type VersionError struct {
	Version int
	Branch  string
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("%s: (%d, %s)", ErrInvalidCollectionVersion, e.Version, e.Branch)
}

func (e *VersionError) Unwrap() error {
	return ErrInvalidCollectionVersion
}

// IntegrityError reports corrupted tracking structures.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidCollectionState, e.Reason)
}

func (e *IntegrityError) Unwrap() error {
	return ErrInvalidCollectionState
}

// AutoMergeError lists the documents that could not be merged.
type AutoMergeError struct {
	DocumentIDs       []string
	DestinationBranch string
	SourceBranch      string
}

func (e *AutoMergeError) Error() string {
	return fmt.Sprintf("%s: %d conflicting documents merging %s into %s (%s)",
		ErrAutoMergeFailed, len(e.DocumentIDs), e.SourceBranch, e.DestinationBranch, strings.Join(e.DocumentIDs, ", "))
}

func (e *AutoMergeError) Unwrap() error {
	return ErrAutoMergeFailed
}

func invalidOperation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

func integrityError(format string, args ...any) error {
	return &IntegrityError{Reason: fmt.Sprintf(format, args...)}
}

func branchNotFound(name string) error {
	return fmt.Errorf("%w: %s", ErrBranchNotFound, name)
}
