package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator that accepts any
// well-formed tsk_ key and derives the project from the key prefix.
type StaticAuthenticator struct{}

func NewStaticAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Project, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	return &Project{ProjectID: "static-" + token[:8]}, nil
}
