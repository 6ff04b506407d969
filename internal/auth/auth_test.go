package auth

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoProvider(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		header   string
		required bool
		want     Identity
		wantErr  error
	}{
		{name: "header", target: "/ws", header: "Ada", want: Identity{ID: "demo:ada", DisplayName: "Ada"}},
		{name: "query", target: "/ws?user=Grace", want: Identity{ID: "demo:grace", DisplayName: "Grace"}},
		{name: "header wins", target: "/ws?user=Grace", header: "Ada", want: Identity{ID: "demo:ada", DisplayName: "Ada"}},
		{name: "anonymous", target: "/ws", want: Identity{Anonymous: true}},
		{name: "blank is anonymous", target: "/ws", header: "   ", want: Identity{Anonymous: true}},
		{name: "required", target: "/ws", required: true, wantErr: ErrUnauthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set(DemoUserHeader, tt.header)
			}

			got, err := DemoProvider{Required: tt.required}.CurrentUser(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDemoProviderTruncatesLongNames(t *testing.T) {
	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set(DemoUserHeader, strings.Repeat("x", 200))

	got, err := DemoProvider{}.CurrentUser(req)
	require.NoError(t, err)
	assert.Len(t, got.DisplayName, maxNameLength)
}

func TestDemoProviderTruncatesOnRuneBoundary(t *testing.T) {
	long := "a" + strings.Repeat("é", 40)
	req := httptest.NewRequest("GET", "/ws?user="+url.QueryEscape(long), nil)

	got, err := DemoProvider{}.CurrentUser(req)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(got.DisplayName))
	assert.Equal(t, "a"+strings.Repeat("é", 31), got.DisplayName)
	assert.LessOrEqual(t, len(got.DisplayName), maxNameLength)
}
