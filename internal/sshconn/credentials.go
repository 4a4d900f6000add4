// Package sshconn dials SSH hosts and opens PTY-backed shells on them.
package sshconn

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// DefaultPort is used when a target carries no port.
const DefaultPort = 22

// ErrInvalidCredentials is returned for incomplete or unknown credentials.
var ErrInvalidCredentials = errors.New("invalid ssh credentials")

// AuthMethod names a credential mode on the wire.
type AuthMethod string

// Supported credential modes.
const (
	AuthPassword   AuthMethod = "password"
	AuthPrivateKey AuthMethod = "privateKey"
)

// Credentials is either a Password or a PrivateKey.
type Credentials interface {
	Method() AuthMethod
	authMethods() ([]ssh.AuthMethod, error)
}

// Password authenticates with a password, answering keyboard-interactive
// prompts with the same secret.
type Password struct {
	Secret string
}

// Method implements Credentials.
func (Password) Method() AuthMethod { return AuthPassword }

func (p Password) authMethods() ([]ssh.AuthMethod, error) {
	if p.Secret == "" {
		return nil, fmt.Errorf("%w: password is empty", ErrInvalidCredentials)
	}
	secret := p.Secret
	return []ssh.AuthMethod{
		ssh.Password(secret),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = secret
			}
			return answers, nil
		}),
	}, nil
}

// PrivateKey authenticates with a PEM encoded key.
type PrivateKey struct {
	PEM        []byte
	Passphrase string
}

// Method implements Credentials.
func (PrivateKey) Method() AuthMethod { return AuthPrivateKey }

func (k PrivateKey) authMethods() ([]ssh.AuthMethod, error) {
	if len(k.PEM) == 0 {
		return nil, fmt.Errorf("%w: private key is empty", ErrInvalidCredentials)
	}
	var (
		signer ssh.Signer
		err    error
	)
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(k.PEM, []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(k.PEM)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// ParseCredentials builds Credentials from their wire form.
func ParseCredentials(method, password, privateKey, passphrase string) (Credentials, error) {
	switch AuthMethod(strings.TrimSpace(method)) {
	case AuthPassword:
		return Password{Secret: password}, nil
	case AuthPrivateKey:
		return PrivateKey{PEM: []byte(privateKey), Passphrase: passphrase}, nil
	case "":
		if privateKey != "" {
			return PrivateKey{PEM: []byte(privateKey), Passphrase: passphrase}, nil
		}
		if password != "" {
			return Password{Secret: password}, nil
		}
		return nil, fmt.Errorf("%w: no credentials supplied", ErrInvalidCredentials)
	default:
		return nil, fmt.Errorf("%w: unknown auth method %q", ErrInvalidCredentials, method)
	}
}

// Target is a host to connect to.
type Target struct {
	Host     string
	Port     int
	Username string
	Auth     Credentials
}

// Addr returns host:port, defaulting the port to 22.
func (t Target) Addr() string {
	port := t.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Validate checks that every field needed to dial is present.
func (t Target) Validate() error {
	switch {
	case strings.TrimSpace(t.Host) == "":
		return fmt.Errorf("%w: host is required", ErrInvalidCredentials)
	case strings.TrimSpace(t.Username) == "":
		return fmt.Errorf("%w: username is required", ErrInvalidCredentials)
	case t.Auth == nil:
		return fmt.Errorf("%w: credentials are required", ErrInvalidCredentials)
	case t.Port < 0 || t.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidCredentials, t.Port)
	}
	return nil
}
