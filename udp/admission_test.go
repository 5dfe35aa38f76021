package udp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdmitSource(t *testing.T) {
	table := []struct {
		ip        string
		allowIANA bool
		admitted  bool
	}{
		{"8.8.8.8", false, true},
		{"0.0.0.1", false, false},
		{"10.0.0.1", false, false},
		{"127.0.0.1", false, false},
		{"224.0.0.1", false, false},
		{"255.255.255.255", false, false},
		{"10.0.0.1", true, true},
	}

	for _, tt := range table {
		ip := net.ParseIP(tt.ip).To4()
		require.Equal(t, tt.admitted, admitSource(ip, tt.allowIANA), tt.ip)
	}
}
