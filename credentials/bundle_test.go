package credentials

import (
	"strings"
	"testing"
)

func TestBundleValidate(t *testing.T) {
	tests := []struct {
		name    string
		bundle  Bundle
		wantErr string
	}{
		{
			name: "valid redmine bundle",
			bundle: Bundle{
				Provider:    ProviderRedmine,
				OrgConfig:   map[string]string{"base_url": "https://redmine.example.com"},
				UserSecrets: map[string]string{"api_key": "k-123"},
			},
		},
		{
			name: "valid jira bundle without org config",
			bundle: Bundle{
				Provider:    ProviderJira,
				UserSecrets: map[string]string{"api_token": "t-456"},
			},
		},
		{
			name:    "missing provider",
			bundle:  Bundle{UserSecrets: map[string]string{"api_key": "k"}},
			wantErr: "provider is required",
		},
		{
			name: "unknown provider",
			bundle: Bundle{
				Provider:    Provider("trello"),
				UserSecrets: map[string]string{"api_key": "k"},
			},
			wantErr: "unknown provider",
		},
		{
			name:    "missing user secrets",
			bundle:  Bundle{Provider: ProviderMonday},
			wantErr: "user secrets are required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bundle.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := &Bundle{
		Provider:    ProviderMonday,
		OrgConfig:   map[string]string{"workspace": "acme"},
		UserSecrets: map[string]string{"token": "secret"},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Version != currentVersion {
		t.Errorf("Version = %d, want %d", out.Version, currentVersion)
	}
	if out.Provider != in.Provider {
		t.Errorf("Provider = %q, want %q", out.Provider, in.Provider)
	}
	if out.UserSecrets["token"] != "secret" {
		t.Errorf("UserSecrets = %v, want token=secret", out.UserSecrets)
	}
}

func TestUnmarshalRejectsBadVersion(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"version":99,"provider":"jira","user_secrets":{"k":"v"}}`)); err == nil {
		t.Fatal("Unmarshal() accepted unsupported version")
	}
}

func TestMarshalRejectsInvalid(t *testing.T) {
	if _, err := Marshal(&Bundle{Provider: ProviderJira}); err == nil {
		t.Fatal("Marshal() accepted bundle without user secrets")
	}
	if _, err := Marshal(nil); err == nil {
		t.Fatal("Marshal() accepted nil bundle")
	}
}

func TestParseProvider(t *testing.T) {
	for _, valid := range []string{"redmine", "jira", "monday"} {
		if _, err := ParseProvider(valid); err != nil {
			t.Errorf("ParseProvider(%q) error = %v", valid, err)
		}
	}
	if _, err := ParseProvider("asana"); err == nil {
		t.Error("ParseProvider(asana) should fail")
	}
}
