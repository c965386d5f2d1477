package main

import (
	"errors"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"golang.org/x/term"

	"github.com/emergencyprep/prepsync/internal/schema"
)

// interactive reports whether stdin and stdout are terminals.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// taskForm prompts for the editable fields of task, prefilled with its
// current values.
func taskForm(task *schema.Task, heading string) error {
	required := func(field string, max int) func(string) error {
		return func(s string) error {
			s = strings.TrimSpace(s)
			if s == "" {
				return errors.New(field + " is required")
			}
			if len([]rune(s)) > max {
				return errors.New(field + " is too long")
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(heading).
				Description("Title").
				Value(&task.Title).
				Validate(required("title", schema.MaxTitleLen)),
			huh.NewText().
				Title("Description").
				Value(&task.Description),
			huh.NewInput().
				Title("Folder").
				Placeholder("Supplies").
				Value(&task.Folder).
				Validate(required("folder", schema.MaxFolderLen)),
		),
	)
	return form.Run()
}

// tokenPrompt asks for a sign-in token without echoing it.
func tokenPrompt() (string, error) {
	var token string
	err := huh.NewInput().
		Title("Sign-in token").
		EchoMode(huh.EchoModePassword).
		Value(&token).
		Run()
	return strings.TrimSpace(token), err
}
