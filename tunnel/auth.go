package tunnel

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrMissingAuth = errors.New("missing bearer token")

type WatchClaims struct {
	WatcherId   Id
	WatcherName string
	IssuedAt    time.Time
}

// SignWatchJwt issues a token that lets a watcher subscribe to a sync server
// configured with the same secret.
func SignWatchJwt(secret []byte, watcherName string) (string, error) {
	now := time.Now()
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"watcher_id":   NewId().String(),
		"watcher_name": watcherName,
		"iat":          now.Unix(),
	})
	return token.SignedString(secret)
}

func ParseWatchJwt(secret []byte, jwt string) (*WatchClaims, error) {
	token, err := gojwt.Parse(
		jwt,
		func(token *gojwt.Token) (any, error) {
			return secret, nil
		},
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("watch jwt: %w", err)
	}

	claims := token.Claims.(gojwt.MapClaims)

	watchClaims := &WatchClaims{}
	if watcherIdStr, ok := claims["watcher_id"].(string); ok {
		if watcherId, err := ParseId(watcherIdStr); err == nil {
			watchClaims.WatcherId = watcherId
		}
	}
	if watcherName, ok := claims["watcher_name"].(string); ok {
		watchClaims.WatcherName = watcherName
	}
	if issuedAt, err := claims.GetIssuedAt(); err == nil && issuedAt != nil {
		watchClaims.IssuedAt = issuedAt.Time
	}
	return watchClaims, nil
}

func BearerHeader(jwt string) http.Header {
	header := http.Header{}
	if jwt != "" {
		header.Set("Authorization", "Bearer "+jwt)
	}
	return header
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", ErrMissingAuth
	}
	return token, nil
}
