package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrivateAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		private bool
		err     bool
	}{
		{address: "127.0.0.1", private: true},
		{address: "10.1.2.3", private: true},
		{address: "192.168.10.1", private: true},
		{address: "172.20.0.1", private: true},
		{address: "::1", private: true},
		{address: "8.8.8.8", private: false},
		{address: "2001:4860:4860::8888", private: false},
		{address: "not-an-ip", err: true},
	}

	for _, tt := range tests {
		private, err := privateAddress(tt.address)
		if tt.err {
			assert.Error(t, err, tt.address)
			continue
		}
		assert.NoError(t, err, tt.address)
		assert.Equal(t, tt.private, private, tt.address)
	}
}

func TestGetRemoteAddr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{
			name:   "socket address",
			remote: "203.0.113.7:51234",
			want:   "203.0.113.7",
		},
		{
			name:    "forwarded public hop",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 198.51.100.4, 10.0.0.2"},
			remote:  "10.0.0.9:80",
			want:    "198.51.100.4",
		},
		{
			name:    "forwarded all private",
			headers: map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"},
			remote:  "10.0.0.9:80",
			want:    "10.0.0.2",
		},
		{
			name: "original forwarded wins",
			headers: map[string]string{
				"X-Original-Forwarded-For": "198.51.100.1",
				"X-Forwarded-For":          "198.51.100.2",
			},
			remote: "10.0.0.9:80",
			want:   "198.51.100.1",
		},
		{
			name:    "real ip",
			headers: map[string]string{"X-Real-Ip": "198.51.100.3"},
			remote:  "10.0.0.9:80",
			want:    "198.51.100.3",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, GetRemoteAddr(r))
		})
	}
}
