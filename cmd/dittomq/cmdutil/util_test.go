package cmdutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marmos91/dittomq/internal/cli/output"
	"github.com/marmos91/dittomq/pkg/apiclient"
)

func withFlags(t *testing.T, f GlobalFlags) {
	t.Helper()
	saved := *Flags
	*Flags = f
	t.Cleanup(func() { *Flags = saved })
}

func TestResolveURL(t *testing.T) {
	t.Run("flag wins", func(t *testing.T) {
		withFlags(t, GlobalFlags{ServerURL: "http://broker:9000/"})
		t.Setenv(EnvAPIURL, "http://env:1")

		got, err := ResolveURL("")
		if err != nil {
			t.Fatalf("ResolveURL failed: %v", err)
		}
		if got != "http://broker:9000" {
			t.Errorf("ResolveURL() = %q, want %q", got, "http://broker:9000")
		}
	})

	t.Run("environment", func(t *testing.T) {
		withFlags(t, GlobalFlags{})
		t.Setenv(EnvAPIURL, "http://env:8161")

		got, err := ResolveURL("")
		if err != nil {
			t.Fatalf("ResolveURL failed: %v", err)
		}
		if got != "http://env:8161" {
			t.Errorf("ResolveURL() = %q, want %q", got, "http://env:8161")
		}
	})

	t.Run("config port", func(t *testing.T) {
		withFlags(t, GlobalFlags{})
		t.Setenv(EnvAPIURL, "")

		path := filepath.Join(t.TempDir(), "config.yaml")
		data := "api:\n  port: 9161\nstore:\n  in_memory: true\n"
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			t.Fatalf("write config: %v", err)
		}

		got, err := ResolveURL(path)
		if err != nil {
			t.Fatalf("ResolveURL failed: %v", err)
		}
		if got != "http://localhost:9161" {
			t.Errorf("ResolveURL() = %q, want %q", got, "http://localhost:9161")
		}
	})
}

func TestGetClientTokenFromEnvironment(t *testing.T) {
	withFlags(t, GlobalFlags{ServerURL: "http://broker:8161"})
	t.Setenv(EnvAPIToken, "secret-token")

	client, err := GetClient("")
	if err != nil {
		t.Fatalf("GetClient failed: %v", err)
	}
	if client == nil {
		t.Fatal("GetClient returned nil client")
	}
}

func TestDescribeError(t *testing.T) {
	authErr := &apiclient.APIError{StatusCode: 401, Message: "missing token"}
	got := DescribeError(authErr)
	if !strings.Contains(got.Error(), EnvAPIToken) {
		t.Errorf("DescribeError() = %q, want mention of %s", got, EnvAPIToken)
	}

	notFound := &apiclient.APIError{StatusCode: 404, Message: "unknown xid"}
	if DescribeError(notFound) != error(notFound) {
		t.Error("DescribeError should pass through non-auth errors")
	}
}

func TestPrintOutput(t *testing.T) {
	table := output.NewTableData("Name").WithEmptyMessage("No queues.")
	data := []map[string]string{}

	tests := []struct {
		format   string
		expected string
	}{
		{"table", "No queues.\n"},
		{"json", "[]\n"},
		{"yaml", "[]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			withFlags(t, GlobalFlags{Output: tt.format})

			var buf bytes.Buffer
			if err := PrintOutput(&buf, data, table); err != nil {
				t.Fatalf("PrintOutput failed: %v", err)
			}
			if buf.String() != tt.expected {
				t.Errorf("PrintOutput() = %q, want %q", buf.String(), tt.expected)
			}
		})
	}
}

func TestBoolToYesNo(t *testing.T) {
	if BoolToYesNo(true) != "yes" || BoolToYesNo(false) != "no" {
		t.Error("BoolToYesNo mismatch")
	}
}

func TestEmptyOr(t *testing.T) {
	if got := EmptyOr("", "-"); got != "-" {
		t.Errorf("EmptyOr(\"\") = %q, want \"-\"", got)
	}
	if got := EmptyOr("x", "-"); got != "x" {
		t.Errorf("EmptyOr(\"x\") = %q, want \"x\"", got)
	}
}
