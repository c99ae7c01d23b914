package remote

// Authenticator provides credentials for registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. An empty
	// username defers to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// DefaultAuthenticator always defers to the docker keychain.
type DefaultAuthenticator struct{}

// NewDefaultAuthenticator creates a default authenticator.
func NewDefaultAuthenticator() *DefaultAuthenticator {
	return &DefaultAuthenticator{}
}

// Authenticate returns empty credentials.
func (a *DefaultAuthenticator) Authenticate(string) (string, string, error) {
	return "", "", nil
}

// StaticAuthenticator returns the same basic credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

// Authenticate returns the configured credentials.
func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}
