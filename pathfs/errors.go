// Package pathfs provides pure path normalization, safe joining, structural
// file editing, and glob/grep matching shared by every backend implementation.
package pathfs

import "fmt"

// PathErrorKind enumerates the ways a path can be rejected.
type PathErrorKind string

const (
	NotAbsolute     PathErrorKind = "NotAbsolute"
	Traversal       PathErrorKind = "Traversal"
	PathOutsideRoot PathErrorKind = "PathOutsideRoot"
	NotFound        PathErrorKind = "NotFound"
	IsDirectory     PathErrorKind = "IsDirectory"
	NotDirectory    PathErrorKind = "NotDirectory"
)

// PathError is a structured error carrying one of the PathErrorKind values.
type PathError struct {
	Kind PathErrorKind
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

// Is lets callers write errors.Is(err, &PathError{Kind: pathfs.Traversal}).
func (e *PathError) Is(target error) bool {
	t, ok := target.(*PathError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newPathError(kind PathErrorKind, path, msg string) *PathError {
	return &PathError{Kind: kind, Path: path, Msg: msg}
}

// EditErrorKind enumerates the ways a structural edit can fail.
type EditErrorKind string

const (
	OldNotFound   EditErrorKind = "OldNotFound"
	OldNotUnique  EditErrorKind = "OldNotUnique"
	EmptyOldString EditErrorKind = "EmptyOldString"
	NoChange      EditErrorKind = "NoChange"
)

// EditError is a structured error describing why apply_edit failed.
type EditError struct {
	Kind EditErrorKind
	Msg  string
}

func (e *EditError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *EditError) Is(target error) bool {
	t, ok := target.(*EditError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newEditError(kind EditErrorKind, msg string) *EditError {
	return &EditError{Kind: kind, Msg: msg}
}
