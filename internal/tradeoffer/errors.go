package tradeoffer

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Sentinel errors shared across the agent. The transport and API layers
// return these so callers can react with errors.Is regardless of which
// endpoint produced the failure.
var (
	// ErrNotLoggedIn means the session cookies are missing or expired.
	// Recoverable by provisioning a fresh session.
	ErrNotLoggedIn = errors.New("not logged in")

	// ErrFamilyViewRestricted means the account's family view PIN gate is
	// engaged and trading is blocked until unlocked.
	ErrFamilyViewRestricted = errors.New("family view restricted")

	// ErrMalformedResponse means the remote answered but the payload is
	// structurally missing required fields.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrDataTemporarilyUnavailable means the remote served a degraded view
	// (every returned offer had empty item sides). Retried on the next poll.
	ErrDataTemporarilyUnavailable = errors.New("data temporarily unavailable")

	// ErrInvalidState is returned by offer operations whose precondition on
	// the offer's current state does not hold.
	ErrInvalidState = errors.New("invalid offer state")
)

// HTTPError is a response with a failure status the validator could not
// classify more precisely. Body is retained because trade endpoints report
// domain errors as JSON inside 4xx/5xx responses.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return "http error " + strconv.Itoa(e.Status)
}

// ErrorCause classifies the remote's strError messages into the handful of
// conditions a bot can react to programmatically.
type ErrorCause string

const (
	CauseTradeBan              ErrorCause = "TradeBan"
	CauseNewDevice             ErrorCause = "NewDevice"
	CauseTargetCannotTrade     ErrorCause = "TargetCannotTrade"
	CauseOfferLimitExceeded    ErrorCause = "OfferLimitExceeded"
	CauseItemServerUnavailable ErrorCause = "ItemServerUnavailable"
)

// TradeError is a domain error reported by the trade endpoints via strError.
// EResult carries the numeric result code when the message ends in "(N)";
// zero means the remote did not include one. Cause is empty when the message
// matched none of the known patterns.
type TradeError struct {
	Cause   ErrorCause
	EResult int
	Message string
}

func (e *TradeError) Error() string {
	if e.Cause != "" {
		return fmt.Sprintf("%s: %s", e.Cause, e.Message)
	}
	return e.Message
}

var eresultPattern = regexp.MustCompile(`\((\d+)\)\s*$`)

var causePatterns = []struct {
	re    *regexp.Regexp
	cause ErrorCause
}{
	{regexp.MustCompile(`because they have a trade ban`), CauseTradeBan},
	{regexp.MustCompile(`You have logged in from a new device`), CauseNewDevice},
	{regexp.MustCompile(`is not available to trade`), CauseTargetCannotTrade},
	{regexp.MustCompile(`sent too many trade offers`), CauseOfferLimitExceeded},
	{regexp.MustCompile(`unable to contact the game's item server`), CauseItemServerUnavailable},
}

// ClassifyTradeError maps a non-empty strError message to a TradeError.
func ClassifyTradeError(strError string) *TradeError {
	te := &TradeError{Message: strError}
	if m := eresultPattern.FindStringSubmatch(strError); m != nil {
		te.EResult, _ = strconv.Atoi(m[1])
	}
	for _, p := range causePatterns {
		if p.re.MatchString(strError) {
			te.Cause = p.cause
			break
		}
	}
	return te
}
