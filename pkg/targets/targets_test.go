package targets

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantHost string
		wantErr  bool
	}{
		{
			name:     "Valid https URL",
			raw:      "https://example.com/register?ref=ABC",
			wantHost: "example.com",
		},
		{
			name:     "Valid http URL with port",
			raw:      " http://example.com:8080 ",
			wantHost: "example.com",
		},
		{
			name:     "IP literal",
			raw:      "http://[2001:db8::1]/",
			wantHost: "2001:db8::1",
		},
		{
			name:    "Missing scheme",
			raw:     "example.com",
			wantErr: true,
		},
		{
			name:    "Unsupported scheme",
			raw:     "ftp://example.com",
			wantErr: true,
		},
		{
			name:    "Missing host",
			raw:     "https:///path",
			wantErr: true,
		},
		{
			name:    "Unparseable",
			raw:     "http://%zz",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var invalid *InvalidURLError
				if !errors.As(err, &invalid) {
					t.Errorf("Parse() error type = %T, want *InvalidURLError", err)
				}
				return
			}
			if got.Hostname() != tt.wantHost {
				t.Errorf("Parse() host = %v, want %v", got.Hostname(), tt.wantHost)
			}
		})
	}
}

func TestHostIP(t *testing.T) {
	u, _ := Parse("http://93.184.216.34/")
	addr, ok := HostIP(u)
	if !ok || addr.String() != "93.184.216.34" {
		t.Errorf("HostIP() = %v, %v", addr, ok)
	}

	u, _ = Parse("https://example.com/")
	if _, ok := HostIP(u); ok {
		t.Errorf("HostIP() reported a domain name as an IP")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	content := "# mirrors\nhttps://a.example\n\n  https://b.example/x  \nnot a url\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	want := []string{"https://a.example", "https://b.example/x", "not a url"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("LoadFile() = %v, want %v", got, want)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("LoadFile() expected an error for a missing file")
	}
}
