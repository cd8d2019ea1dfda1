package community

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barterworks/steam-agent/internal/tradeoffer"
)

func TestValidate_RedirectToLogin(t *testing.T) {
	err := Validate(302, "https://steamcommunity.com/login/home/?goto=", nil)
	assert.ErrorIs(t, err, tradeoffer.ErrNotLoggedIn)
}

func TestValidate_RedirectElsewhereOK(t *testing.T) {
	err := Validate(302, "https://steamcommunity.com/id/somebody", nil)
	assert.NoError(t, err)
}

func TestValidate_FamilyView(t *testing.T) {
	body := []byte(`<html><div id="parental_notice_instructions">Enter your PIN below to exit Family View.</div></html>`)
	err := Validate(403, "", body)
	assert.ErrorIs(t, err, tradeoffer.ErrFamilyViewRestricted)
}

func TestValidate_SorryPage(t *testing.T) {
	body := []byte(`<html><h1>Sorry!</h1><h3>Something went wrong while processing your request.</h3></html>`)
	err := Validate(200, "", body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Something went wrong while processing your request.")
}

func TestValidate_SorryPageNoDetail(t *testing.T) {
	err := Validate(200, "", []byte(`<h1>Sorry!</h1>`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown error")
}

func TestValidate_LoggedOutPage(t *testing.T) {
	body := []byte(`<html><head><title>Sign In</title></head><script>var g_steamID = false;</script></html>`)
	err := Validate(200, "", body)
	assert.ErrorIs(t, err, tradeoffer.ErrNotLoggedIn)
}

func TestValidate_SteamIDFalseAloneOK(t *testing.T) {
	// The marker without the sign-in title appears on some public pages.
	err := Validate(200, "", []byte(`<script>g_steamID = false;</script>`))
	assert.NoError(t, err)
}

func TestValidate_ErrorMsgDiv(t *testing.T) {
	body := []byte(`<html><div id="error_msg">
		You cannot trade with this user.
	</div></html>`)
	err := Validate(200, "", body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "You cannot trade with this user.")
}

func TestValidate_GenericHTTPError(t *testing.T) {
	err := Validate(500, "", []byte(`{"strError":"whatever"}`))
	require.Error(t, err)

	var he *tradeoffer.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 500, he.Status)
	assert.Equal(t, []byte(`{"strError":"whatever"}`), he.Body)
}

func TestValidate_CleanResponse(t *testing.T) {
	assert.NoError(t, Validate(200, "", []byte(`{"success":1}`)))
}
