package application

import "testing"

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		port     int
		username string
		password string
		wantErr  bool
	}{
		{name: "no args", args: nil, port: 1080},
		{name: "port only", args: []string{"9050"}, port: 9050},
		{name: "creds only", args: []string{"alice", "s3cret"}, port: 1080, username: "alice", password: "s3cret"},
		{name: "port and creds", args: []string{"1081", "bob", "hunter2"}, port: 1081, username: "bob", password: "hunter2"},
		{name: "too many args", args: []string{"1081", "bob", "hunter2", "extra"}, wantErr: true},
		{name: "port not a number", args: []string{"http"}, wantErr: true},
		{name: "port zero", args: []string{"0"}, wantErr: true},
		{name: "port too large", args: []string{"65536"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if cfg.Port != tt.port {
				t.Errorf("port = %d, want %d", cfg.Port, tt.port)
			}
			if tt.username == "" {
				if cfg.Credentials != nil {
					t.Errorf("unexpected credentials %v", cfg.Credentials)
				}
				return
			}
			if cfg.Credentials == nil {
				t.Fatal("missing credentials")
			}
			if string(cfg.Credentials.Username) != tt.username || string(cfg.Credentials.Password) != tt.password {
				t.Errorf("creds = (%s, %s), want (%s, %s)",
					cfg.Credentials.Username, cfg.Credentials.Password, tt.username, tt.password)
			}
		})
	}
}
