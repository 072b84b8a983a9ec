package heartbeat

import "testing"

func TestResolveHeartbeatEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		metadata map[string]any
		want     string
		ok       bool
	}{
		{name: "supabase url", metadata: map[string]any{"supabaseUrl": "https://abc.supabase.co"}, want: "https://abc.supabase.co/rest/v1/", ok: true},
		{name: "trailing slash", metadata: map[string]any{"supabaseUrl": "https://abc.supabase.co/"}, want: "https://abc.supabase.co/rest/v1/", ok: true},
		{name: "base url fallback", metadata: map[string]any{"baseUrl": "http://localhost:54321"}, want: "http://localhost:54321/rest/v1/", ok: true},
		{name: "url fallback", metadata: map[string]any{"url": "https://db.example.com/api?x=1#frag"}, want: "https://db.example.com/api/rest/v1/", ok: true},
		{name: "first usable key wins", metadata: map[string]any{"supabaseUrl": "not a url", "baseUrl": "https://b.example.com"}, want: "https://b.example.com/rest/v1/", ok: true},
		{name: "project ref", metadata: map[string]any{"projectRef": "abcdefghijklmnop"}, want: "https://abcdefghijklmnop.supabase.co/rest/v1/", ok: true},
		{name: "url beats project ref", metadata: map[string]any{"projectRef": "abc", "supabaseUrl": "http://localhost:54321"}, want: "http://localhost:54321/rest/v1/", ok: true},
		{name: "invalid project ref", metadata: map[string]any{"projectRef": "evil.com/x"}, ok: false},
		{name: "non string", metadata: map[string]any{"supabaseUrl": 42}, ok: false},
		{name: "non http scheme", metadata: map[string]any{"supabaseUrl": "ftp://abc.supabase.co"}, ok: false},
		{name: "relative", metadata: map[string]any{"url": "/rest"}, ok: false},
		{name: "empty", metadata: map[string]any{}, ok: false},
		{name: "nil", metadata: nil, ok: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ResolveHeartbeatEndpoint(tc.metadata)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if got != tc.want {
				t.Fatalf("endpoint = %q, want %q", got, tc.want)
			}
		})
	}
}
