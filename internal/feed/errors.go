package feed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrClosed        = errors.New("feed closed")
	ErrFeedExpired   = errors.New("feed expired")
	ErrWriteRejected = errors.New("write rejected")
	ErrAttachment    = errors.New("attachment upload failed")
	ErrTransport     = errors.New("transport failure")
	ErrNotFound      = errors.New("not found")
)

// TransportError wraps a push-channel or poll failure. It is absorbed by the
// scheduler and logged; callers never see it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// WriteRejectedError means the store refused the write. The draft payload is
// handed back to the caller so nothing the user typed is lost.
type WriteRejectedError struct {
	FeedID string
	Reason string
	Err    error
}

func (e *WriteRejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("write rejected for feed %s: %s", e.FeedID, e.Reason)
	}
	return fmt.Sprintf("write rejected for feed %s", e.FeedID)
}

func (e *WriteRejectedError) Unwrap() error { return e.Err }

func (e *WriteRejectedError) Is(target error) bool { return target == ErrWriteRejected }

// ExpiredError is terminal for the feed: the session refuses further writes
// and the owning view must offer to start a new feed.
type ExpiredError struct {
	FeedID string
}

func (e *ExpiredError) Error() string {
	if e.FeedID == "" {
		return "feed expired"
	}
	return fmt.Sprintf("feed %s expired", e.FeedID)
}

func (e *ExpiredError) Is(target error) bool { return target == ErrFeedExpired }

// AttachmentError means the image upload failed before the message write was
// attempted. The message was not sent; the caller retains text and image.
type AttachmentError struct {
	Path string
	Err  error
}

func (e *AttachmentError) Error() string {
	return fmt.Sprintf("attachment %s: %v", e.Path, e.Err)
}

func (e *AttachmentError) Unwrap() error { return e.Err }

func (e *AttachmentError) Is(target error) bool { return target == ErrAttachment }
