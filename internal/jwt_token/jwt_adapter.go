package jwttoken

import (
	authmw "taskbrew/pkg/platform/middleware/auth"
)

// MiddlewareAdapter exposes a TokenCodec through the auth middleware's
// verifier interface, keeping pkg/ free of internal/ imports.
type MiddlewareAdapter struct {
	codec *TokenCodec
}

func NewMiddlewareAdapter(codec *TokenCodec) *MiddlewareAdapter {
	return &MiddlewareAdapter{codec: codec}
}

func (a *MiddlewareAdapter) VerifyToken(token string) (*authmw.Principal, error) {
	claims, err := a.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	return &authmw.Principal{UserID: claims.Subject(), Role: claims.Role}, nil
}
