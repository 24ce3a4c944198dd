package turn

import "testing"

func TestGetCredentialsMatchICEServers(t *testing.T) {
	s := &Server{port: 3478, username: "peercall", password: "secret"}

	creds := s.GetCredentials()
	if creds.Username != "peercall" || creds.Password != "secret" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}

	servers := s.ICEServers("call.example.com:8443")
	if len(servers) != 2 {
		t.Fatalf("expected stun and turn entries, got %d", len(servers))
	}
	if got := servers[0].URLs[0]; got != "stun:call.example.com:3478" {
		t.Fatalf("unexpected stun url %q", got)
	}
	turnEntry := servers[1]
	if got := turnEntry.URLs[0]; got != "turn:call.example.com:3478" {
		t.Fatalf("unexpected turn url %q", got)
	}
	if turnEntry.Username != creds.Username || turnEntry.Credential != creds.Password {
		t.Fatal("ICE entry credentials drifted from GetCredentials")
	}
}
