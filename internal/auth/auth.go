// Package auth resolves the identity behind an HTTP or websocket request.
package auth

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Anonymous   bool   `json:"anonymous"`
}

type Provider interface {
	CurrentUser(r *http.Request) (Identity, error)
}

const (
	DemoUserHeader = "X-Demo-User"
	demoUserParam  = "user"
	maxNameLength  = 64
)

// DemoProvider trusts a display name passed in the X-Demo-User header or
// the user query parameter. Requests carrying neither are anonymous, or
// rejected with ErrUnauthenticated when Required is set.
type DemoProvider struct {
	Required bool
}

func (p DemoProvider) CurrentUser(r *http.Request) (Identity, error) {
	name := strings.TrimSpace(r.Header.Get(DemoUserHeader))
	if name == "" {
		name = strings.TrimSpace(r.URL.Query().Get(demoUserParam))
	}
	if name == "" {
		if p.Required {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{Anonymous: true}, nil
	}

	name = truncate(name, maxNameLength)
	return Identity{
		ID:          "demo:" + strings.ToLower(name),
		DisplayName: name,
	}, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
