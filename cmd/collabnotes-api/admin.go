package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/auth"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/users"
	"github.com/spf13/cobra"
)

func newCreateUserCommand() *cobra.Command {
	var email, name, role string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			user, err := app.users.CreateUser(cmd.Context(), users.NewUser{Email: email, Name: name, Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Email, user.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Account email")
	cmd.Flags().StringVar(&name, "name", "", "Display name shown to collaborators")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleEditor), "Account role (viewer, editor, admin)")
	markRequired(cmd, "email", "name")
	return cmd
}

func newCreateNoteCommand() *cobra.Command {
	var ownerID, title, content string
	cmd := &cobra.Command{
		Use:   "create-note",
		Short: "Create a note owned by a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.users.FindByID(cmd.Context(), ownerID); err != nil {
				return fmt.Errorf("owner %s: %w", ownerID, err)
			}
			note, err := app.notes.CreateNote(cmd.Context(), ownerID, title, content)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), note.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner", "", "Owner user ID")
	cmd.Flags().StringVar(&title, "title", "", "Note title")
	cmd.Flags().StringVar(&content, "content", "", "Initial note content")
	markRequired(cmd, "owner")
	return cmd
}

func newAddCollaboratorCommand() *cobra.Command {
	var noteID, userID, role string
	cmd := &cobra.Command{
		Use:   "add-collaborator",
		Short: "Grant a user access to a note",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			if _, err := app.users.FindByID(cmd.Context(), userID); err != nil {
				return fmt.Errorf("collaborator %s: %w", userID, err)
			}
			return app.notes.AddCollaborator(cmd.Context(), noteID, userID, auth.NormalizeRole(role))
		},
	}
	cmd.Flags().StringVar(&noteID, "note", "", "Note ID")
	cmd.Flags().StringVar(&userID, "user", "", "Collaborator user ID")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleEditor), "Collaborator role")
	markRequired(cmd, "note", "user")
	return cmd
}

func newIssueTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a bearer token for an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication()
			if err != nil {
				return err
			}
			defer app.Close()

			user, err := app.users.FindByID(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("user %s: %w", userID, err)
			}
			token, expiresIn, err := app.tokens.IssueToken(user.Identity())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User ID")
	markRequired(cmd, "user-id")
	return cmd
}

func markRequired(cmd *cobra.Command, flags ...string) {
	for _, flag := range flags {
		if err := cmd.MarkFlagRequired(flag); err != nil {
			panic(err)
		}
	}
}
