package instagram

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Error is a failed Graph API call. Transient errors may succeed on retry;
// permanent ones (bad media, revoked token, missing permission) never will.
type Error struct {
	Op         string
	StatusCode int
	Code       int
	Subcode    int
	Message    string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	switch {
	case e.Code != 0:
		return fmt.Sprintf("instagram %s: %s error (status %d, code %d/%d): %s", e.Op, kind, e.StatusCode, e.Code, e.Subcode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("instagram %s: %s error: %v", e.Op, kind, e.Err)
	default:
		return fmt.Sprintf("instagram %s: %s error (status %d): %s", e.Op, kind, e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Errors that are not
// *Error are treated as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var igErr *Error
	if errors.As(err, &igErr) {
		return igErr.Transient
	}
	return true
}

// graphError is the "error" object of a Graph API response
type graphError struct {
	Message     string `json:"message"`
	Type        string `json:"type"`
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	IsTransient bool   `json:"is_transient"`
	UserTitle   string `json:"error_user_title"`
	UserMsg     string `json:"error_user_msg"`
	FBTraceID   string `json:"fbtrace_id"`
}

// transientCodes are Graph codes for throttling and temporary outages
var transientCodes = map[int]bool{
	1:    true, // unknown, usually temporary
	2:    true, // service temporarily unavailable
	4:    true, // application request limit
	17:   true, // user request limit
	32:   true, // page request limit
	341:  true, // application limit
	613:  true, // calls exceed rate limit
	9007: true, // media not ready for publishing
}

// classify decides whether a Graph error is worth retrying
func classify(status int, g *graphError) bool {
	if g != nil && g.Code != 0 {
		if g.IsTransient || transientCodes[g.Code] {
			return true
		}
		switch {
		case g.Code == 190: // expired or revoked token
			return false
		case g.Code == 10 || (g.Code >= 200 && g.Code <= 299): // permission
			return false
		case g.Code == 100 || g.Code == 9004 || (g.Code >= 36000 && g.Code < 37000): // invalid parameter or media
			return false
		}
	}
	return status == http.StatusTooManyRequests || status >= 500
}

// transportError wraps a failure to get any response at all
func transportError(op string, err error) *Error {
	e := &Error{Op: op, Err: err, Transient: true}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		e.Message = "timeout"
	}
	return e
}
