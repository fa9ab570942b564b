package app

import "errors"

var (
	ErrUsernameAndPasswordRequired = errors.New("username and password required")
	ErrUsernameTaken               = errors.New("username already exists")

	// ErrInvalidCredentials covers both unknown username and wrong password so
	// responses do not enable account enumeration.
	ErrInvalidCredentials = errors.New("invalid username or password")

	ErrUserNotFound      = errors.New("user not found")
	ErrWeChatIDRequired  = errors.New("wechat_id required")
	ErrWeChatIDTaken     = errors.New("wechat_id already bound to another account")
	ErrWeChatNotBound    = errors.New("wechat_id not bound to any account")
	ErrTextRequired      = errors.New("text is required")
	ErrCollectionMissing = errors.New("collection not found")
)
