package upstream

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/api200/gateway/internal/apierr"
	"github.com/api200/gateway/internal/models"
)

// Decrypter opens stored service secrets.
type Decrypter interface {
	Decrypt(secret string) (string, error)
}

// InjectAuth decrypts the service credential and places it on the outbound
// request. It returns the possibly rewritten URL. The plaintext only ever
// lives in header and the returned URL.
func InjectAuth(auth models.AuthConfig, codec Decrypter, header http.Header, rawURL string) (string, error) {
	switch a := auth.(type) {
	case nil, models.AuthNone:
		return rawURL, nil

	case models.AuthBearer:
		secret, err := codec.Decrypt(a.Secret)
		if err != nil {
			return "", apierr.Decryption(err)
		}
		header.Set("Authorization", "Bearer "+secret)
		return rawURL, nil

	case models.AuthAPIKey:
		secret, err := codec.Decrypt(a.Secret)
		if err != nil {
			return "", apierr.Decryption(err)
		}
		if a.Placement == models.PlacementQuery {
			return withQueryParam(rawURL, a.Name, secret)
		}
		header.Set(a.Name, secret)
		return rawURL, nil

	default:
		return "", fmt.Errorf("unsupported auth type %q", auth.Type())
	}
}

func withQueryParam(rawURL, name, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream url: %w", err)
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
