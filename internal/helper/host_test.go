package helper_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/kamilstanek/wiretap/internal/helper"
)

func TestMatchHost(t *testing.T) {
	c := qt.New(t)

	tests := []struct {
		name    string
		address string
		hosts   []string
		want    bool
	}{
		{
			name:    "exact host and port",
			address: "api.example.test:443",
			hosts:   []string{"api.example.test:443"},
			want:    true,
		},
		{
			name:    "portless pattern matches any port",
			address: "api.example.test:8443",
			hosts:   []string{"api.example.test"},
			want:    true,
		},
		{
			name:    "no pattern matches",
			address: "other.test:80",
			hosts:   []string{"api.example.test:443", "cdn.example.test"},
			want:    false,
		},
		{
			name:    "wildcard subdomain",
			address: "eu.cdn.example.test:443",
			hosts:   []string{"*.example.test"},
			want:    true,
		},
		{
			name:    "wildcard with matching port",
			address: "eu.cdn.example.test:443",
			hosts:   []string{"*.example.test:443"},
			want:    true,
		},
		{
			name:    "wildcard with mismatched port",
			address: "eu.cdn.example.test:80",
			hosts:   []string{"*.example.test:443"},
			want:    false,
		},
		{
			name:    "bare address without port",
			address: "api.example.test",
			hosts:   []string{"api.example.test"},
			want:    true,
		},
		{
			name:    "port-only pattern never matches portless address",
			address: "api.example.test",
			hosts:   []string{"api.example.test:443"},
			want:    false,
		},
		{
			name:    "empty pattern list",
			address: "api.example.test:443",
			hosts:   nil,
			want:    false,
		},
	}

	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			c.Assert(helper.MatchHost(tt.address, tt.hosts), qt.Equals, tt.want)
		})
	}
}
