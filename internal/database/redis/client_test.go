package redis

import (
	"testing"
	"time"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{StatusKey("wallet.rig"), "miner:wallet.rig:status"},
		{CounterKey("rig", true), "miner:rig:shares:accepted"},
		{CounterKey("rig", false), "miner:rig:shares:rejected"},
		{HashrateKey("rig", 2), "miner:rig:hashrate:2"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestAverageSamples(t *testing.T) {
	tests := []struct {
		values []string
		want   float64
	}{
		{nil, 0},
		{[]string{"1:100", "2:300"}, 200},
		{[]string{"1:1e+06", "bad", "3:x"}, 1e6},
	}
	for _, tt := range tests {
		if got := averageSamples(tt.values); got != tt.want {
			t.Errorf("averageSamples(%v) = %g, want %g", tt.values, got, tt.want)
		}
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient(&Config{URL: "http://localhost:6379"}); err == nil {
		t.Error("NewClient() accepted a non-redis URL")
	}
}

func TestNewClientUnreachable(t *testing.T) {
	_, err := NewClient(&Config{URL: "redis://127.0.0.1:1/0", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	if err == nil {
		t.Error("NewClient() should fail to ping a closed port")
	}
}
