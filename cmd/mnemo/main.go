package main

import (
	"errors"
	"fmt"
	"os"

	_ "github.com/joho/godotenv/autoload"

	"mnemo/internal/app"
)

var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, app.ErrValidation):
		return 2
	case errors.Is(err, app.ErrNotFound):
		return 3
	case errors.Is(err, app.ErrConflict):
		return 4
	default:
		return 1
	}
}
