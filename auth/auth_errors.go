package auth

import "errors"

var (
	MissingCredentialsErr = errors.New("email and password are required")
	EmptyAccessTokenErr   = errors.New("order service returned no access token")
	EmptyRefreshTokenErr  = errors.New("order service returned no refresh token")
)
