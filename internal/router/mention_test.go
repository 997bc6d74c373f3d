package router

import "testing"

func TestFindMentions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Mention
	}{
		{
			name: "single mention",
			body: "hey @researcher:relay.local please summarize",
			want: []Mention{{Localpart: "researcher", Server: "relay.local"}},
		},
		{
			name: "multiple mentions",
			body: "@alice:relay.local and @bob:relay.local",
			want: []Mention{
				{Localpart: "alice", Server: "relay.local"},
				{Localpart: "bob", Server: "relay.local"},
			},
		},
		{
			name: "server with port",
			body: "ping @worker:localhost:8008 now",
			want: []Mention{{Localpart: "worker", Server: "localhost:8008"}},
		},
		{
			name: "localpart with dots and dashes",
			body: "cc @data.loader-v2:relay.local",
			want: []Mention{{Localpart: "data.loader-v2", Server: "relay.local"}},
		},
		{
			name: "no server part is not a mention",
			body: "email me @alice please",
			want: nil,
		},
		{
			name: "plain text",
			body: "nothing to see here",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FindMentions(tt.body)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d mentions %v, want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("mention[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMentionMatchesServer(t *testing.T) {
	m := Mention{Localpart: "alice", Server: "Relay.Local"}
	if !m.MatchesServer("relay.local") {
		t.Fatal("server match should be case-insensitive")
	}
	if m.MatchesServer("other.host") {
		t.Fatal("different server should not match")
	}
}
