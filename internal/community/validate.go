package community

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

// Markers the community site embeds in degraded responses. The site answers
// many failures with HTTP 200 and an HTML body, so status codes alone are
// not enough.
var (
	familyViewMarker = []byte(`<div id="parental_notice_instructions">`)
	sorryMarker      = []byte(`<h1>Sorry!</h1>`)
	steamIDFalse     = []byte(`g_steamID = false;`)
	signInTitle      = []byte(`<title>Sign In</title>`)
	errorMsgMarker   = []byte(`<div id="error_msg"`)
)

var h3Pattern = regexp.MustCompile(`<h3>(.+?)</h3>`)

// Validate classifies a community response. A nil return means the body is
// safe to hand to the caller. The checks run in a fixed order: redirect to
// login, family view, "Sorry!" pages, logged-out page markers, inline error
// divs, then a generic error for any remaining failure status.
func Validate(status int, location string, body []byte) error {
	if status >= 300 && status <= 399 && strings.Contains(location, "/login") {
		return tradeoffer.ErrNotLoggedIn
	}

	if status == 403 && bytes.Contains(body, familyViewMarker) {
		return tradeoffer.ErrFamilyViewRestricted
	}

	if bytes.Contains(body, sorryMarker) {
		if m := h3Pattern.FindSubmatch(body); m != nil {
			return fmt.Errorf("community: %s", string(m[1]))
		}
		return errors.New("community: unknown error occurred")
	}

	if bytes.Contains(body, steamIDFalse) && bytes.Contains(body, signInTitle) {
		return tradeoffer.ErrNotLoggedIn
	}

	if bytes.Contains(body, errorMsgMarker) {
		if text := errorMsgText(body); text != "" {
			return fmt.Errorf("community: %s", text)
		}
	}

	if status >= 400 {
		return &tradeoffer.HTTPError{Status: status, Body: body}
	}

	return nil
}

func errorMsgText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("#error_msg").First().Text())
}
