package api

import (
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Version
		wantErr bool
	}{
		{
			name:  "plain release",
			input: "2.3.10",
			want:  Version{Major: 2, Minor: 3, Patch: 10},
		},
		{
			name:  "dev build",
			input: "2.3.10-dev",
			want:  Version{Major: 2, Minor: 3, Patch: 10, PreRelease: "dev"},
		},
		{
			name:  "build metadata ignored in comparison but retained",
			input: "1.42.4+build.7",
			want:  Version{Major: 1, Minor: 42, Patch: 4, Build: "build.7"},
		},
		{
			name:    "missing patch",
			input:   "2.3",
			wantErr: true,
		},
		{
			name:    "not numeric",
			input:   "banana",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVersion(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVersion(%q) expected error, got %+v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVersion(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseVersion(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompatibleWith(t *testing.T) {
	tests := []struct {
		name       string
		controller string
		agent      string
		wantOK     bool
		wantWarn   bool
	}{
		{
			name:       "exact release match",
			controller: "2.3.1",
			agent:      "2.3.1",
			wantOK:     true,
		},
		{
			name:       "release patch skew refused",
			controller: "2.3.1",
			agent:      "2.3.2",
			wantOK:     false,
		},
		{
			name:       "minor skew refused",
			controller: "2.3.1",
			agent:      "2.4.1",
			wantOK:     false,
		},
		{
			name:       "major skew refused",
			controller: "2.3.1",
			agent:      "1.42.4",
			wantOK:     false,
		},
		{
			name:       "dev controller accepts patch skew with warning",
			controller: "2.3.1-dev",
			agent:      "2.3.4",
			wantOK:     true,
			wantWarn:   true,
		},
		{
			name:       "dev both sides same patch",
			controller: "2.3.1-dev",
			agent:      "2.3.1-dev",
			wantOK:     true,
		},
		{
			name:       "build metadata ignored",
			controller: "2.3.1",
			agent:      "2.3.1+20260115",
			wantOK:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv, err := ParseVersion(tt.controller)
			if err != nil {
				t.Fatal(err)
			}
			av, err := ParseVersion(tt.agent)
			if err != nil {
				t.Fatal(err)
			}
			ok, warn := cv.CompatibleWith(av)
			if ok != tt.wantOK {
				t.Errorf("CompatibleWith(%s, %s) ok = %v, want %v", tt.controller, tt.agent, ok, tt.wantOK)
			}
			if warn != tt.wantWarn {
				t.Errorf("CompatibleWith(%s, %s) warn = %v, want %v", tt.controller, tt.agent, warn, tt.wantWarn)
			}
		})
	}
}
