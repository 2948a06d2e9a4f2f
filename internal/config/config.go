// Package config loads the process-environment credentials the two bridges
// need to authenticate their upstream handshakes. It never exits the
// process itself -- callers decide what "missing" means for them.
package config

import (
	"errors"
	"fmt"
	"os"
)

// DoubaoCredentials authenticates the handshake to the Doubao realtime
// dialogue endpoint.
type DoubaoCredentials struct {
	AppID     string
	AccessKey string
	SecretKey string
}

// GLMCredentials authenticates the handshake to the GLM realtime endpoint.
type GLMCredentials struct {
	APIKey string
}

// ErrMissingEnv is wrapped with the specific variable name that was empty.
var ErrMissingEnv = errors.New("config: required environment variable not set")

// LoadDoubao reads DOUBAO_APP_ID, DOUBAO_ACCESS_KEY, and DOUBAO_SECRET_KEY.
func LoadDoubao() (DoubaoCredentials, error) {
	appID, err := requireEnv("DOUBAO_APP_ID")
	if err != nil {
		return DoubaoCredentials{}, err
	}
	accessKey, err := requireEnv("DOUBAO_ACCESS_KEY")
	if err != nil {
		return DoubaoCredentials{}, err
	}
	secretKey, err := requireEnv("DOUBAO_SECRET_KEY")
	if err != nil {
		return DoubaoCredentials{}, err
	}
	return DoubaoCredentials{AppID: appID, AccessKey: accessKey, SecretKey: secretKey}, nil
}

// LoadGLM reads API_KEY.
func LoadGLM() (GLMCredentials, error) {
	apiKey, err := requireEnv("API_KEY")
	if err != nil {
		return GLMCredentials{}, err
	}
	return GLMCredentials{APIKey: apiKey}, nil
}

func requireEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingEnv, name)
	}
	return v, nil
}
