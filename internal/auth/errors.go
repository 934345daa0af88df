package auth

import "fmt"

// CertificateLoadError is returned when client certificate material cannot
// be read or parsed. It is fatal at startup.
type CertificateLoadError struct {
	Path string
	Err  error
}

func (e *CertificateLoadError) Error() string {
	return fmt.Sprintf("load client certificate %s: %v", e.Path, e.Err)
}

func (e *CertificateLoadError) Unwrap() error { return e.Err }

// TokenError describes a failed OAuth2 grant. It never escapes the Manager;
// it is logged and the call proceeds without credentials.
type TokenError struct {
	Grant  string
	Status int
	Err    error
}

func (e *TokenError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("oauth2 %s grant: status %d: %v", e.Grant, e.Status, e.Err)
	}
	return fmt.Sprintf("oauth2 %s grant: %v", e.Grant, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }
