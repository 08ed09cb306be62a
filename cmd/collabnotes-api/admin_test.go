package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
)

const adminTestSecret = "admin-test-secret"

func runCommand(t *testing.T, databasePath string, args ...string) string {
	t.Helper()
	cmd := newRootCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs(append(args,
		"--database-path", databasePath,
		"--signing-secret", adminTestSecret,
		"--log-level", "error",
	))
	if err := cmd.Execute(); err != nil {
		t.Fatalf("%s failed: %v\n%s", args[0], err, output.String())
	}
	return strings.TrimSpace(output.String())
}

func TestAdminCommandsProvisionCollaboration(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "admin.db")

	ownerLine := runCommand(t, databasePath, "create-user", "--email", "ada@example.com", "--name", "Ada")
	ownerFields := strings.Split(ownerLine, "\t")
	if len(ownerFields) != 3 || ownerFields[1] != "ada@example.com" || ownerFields[2] != string(auth.RoleEditor) {
		t.Fatalf("unexpected create-user output %q", ownerLine)
	}
	ownerID := ownerFields[0]

	collaboratorLine := runCommand(t, databasePath, "create-user", "--email", "bob@example.com", "--name", "Bob", "--role", "viewer")
	collaboratorID := strings.Split(collaboratorLine, "\t")[0]

	noteID := runCommand(t, databasePath, "create-note", "--owner", ownerID, "--title", "Plan")
	if noteID == "" {
		t.Fatalf("create-note printed no id")
	}
	runCommand(t, databasePath, "add-collaborator", "--note", noteID, "--user", collaboratorID)

	tokenOutput := runCommand(t, databasePath, "issue-token", "--user-id", collaboratorID)
	token := strings.SplitN(tokenOutput, "\n", 2)[0]

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(adminTestSecret),
		Issuer:        "collabnotes-auth",
		Audience:      "collabnotes-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	claims, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != collaboratorID || claims.UserName != "Bob" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestIssueTokenRejectsUnknownUser(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"issue-token", "--user-id", "missing",
		"--database-path", filepath.Join(t.TempDir(), "admin.db"),
		"--signing-secret", adminTestSecret,
	})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected issue-token to fail for an unknown user")
	}
}
