package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/damso/damso/internal/config"
	"github.com/damso/damso/internal/database"
)

// runCreateAdmin provisions a dashboard operator account:
//
//	damso create-admin -email ops@example.com -name 관제 [-role admin] [config flags]
//
// The password is read from DAMSO_ADMIN_PASSWORD and must satisfy
// database.ValidateAdminPassword.
func runCreateAdmin(args []string) error {
	fs := flag.NewFlagSet("create-admin", flag.ContinueOnError)
	email := fs.String("email", "", "admin email address")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "admin", "admin role")
	if err := fs.Parse(args); err != nil {
		return err
	}

	password := os.Getenv("DAMSO_ADMIN_PASSWORD")
	if *email == "" || password == "" {
		return errors.New("-email and DAMSO_ADMIN_PASSWORD are required")
	}

	admin, err := database.NewAdminAccount(*email, *name, *role, password)
	if err != nil {
		return err
	}

	cfg, err := config.LoadArgs(fs.Args())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewAdminRepository(db).Create(ctx, admin); err != nil {
		return fmt.Errorf("creating admin: %w", err)
	}

	fmt.Printf("created admin %s (%s)\n", admin.Email, admin.ID)
	return nil
}
