package main

import "testing"

func TestSplitRef(t *testing.T) {
	cases := []struct {
		ref      string
		wantName string
		wantTag  string
	}{
		{"alpine:3.19", "alpine", "3.19"},
		{"myimage", "myimage", "latest"},
		{"registry.local/app:v2", "registry.local/app", "v2"},
	}
	for _, c := range cases {
		name, tag := splitRef(c.ref)
		if name != c.wantName || tag != c.wantTag {
			t.Errorf("splitRef(%q) = (%q, %q), want (%q, %q)", c.ref, name, tag, c.wantName, c.wantTag)
		}
	}
}

func TestParseVolumes(t *testing.T) {
	got, err := parseVolumes([]string{"/host/data:/data", "/host/logs:/var/log"})
	if err != nil {
		t.Fatalf("parseVolumes() error = %v", err)
	}
	if len(got) != 2 || got[0].HostPath != "/host/data" || got[0].ContainerPath != "/data" {
		t.Fatalf("parseVolumes() = %+v", got)
	}
}

func TestParseVolumesInvalid(t *testing.T) {
	if _, err := parseVolumes([]string{"no-colon-here"}); err == nil {
		t.Fatal("expected error for malformed volume flag")
	}
}

func TestParsePorts(t *testing.T) {
	got, err := parsePorts([]string{"8080:80"})
	if err != nil {
		t.Fatalf("parsePorts() error = %v", err)
	}
	if len(got) != 1 || got[0].HostPort != "8080" || got[0].ContainerPort != "80" {
		t.Fatalf("parsePorts() = %+v", got)
	}
}
