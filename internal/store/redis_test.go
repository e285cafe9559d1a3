package store

import (
	"testing"
)

import (
	"github.com/stockpulse/rls/internal/config"
)

// Two processes sharing one Redis must never produce the same zset member,
// or a same-millisecond ZADD collapses two requests into one.
func TestWindowMembersUniqueAcrossInstances(t *testing.T) {
	a := &Redis{nonce: processNonce()}
	b := &Redis{nonce: processNonce()}
	if a.nonce == b.nonce {
		t.Fatalf("two instances drew the same nonce %q", a.nonce)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		for _, r := range []*Redis{a, b} {
			m := r.member()
			if seen[m] {
				t.Fatalf("duplicate member %q", m)
			}
			seen[m] = true
		}
	}
}

func TestProcessNonceNonEmpty(t *testing.T) {
	if processNonce() == "" {
		t.Fatal("empty nonce")
	}
}

func TestNormalizeAddrs(t *testing.T) {
	cases := []struct {
		name string
		cfg  config.RedisCfg
		want []string
	}{
		{"single", config.RedisCfg{Addr: "127.0.0.1:6379"}, []string{"127.0.0.1:6379"}},
		{"comma list", config.RedisCfg{Addr: "a:6379, b:6379 ,"}, []string{"a:6379", "b:6379"}},
		{"addrs wins", config.RedisCfg{Addr: "x:1", Addrs: []string{"a:1", "b:1"}}, []string{"a:1", "b:1"}},
		{"empty", config.RedisCfg{}, nil},
	}
	for _, tc := range cases {
		got := normalizeAddrs(tc.cfg)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
			}
		}
	}
}
