// Command eltrur-upload sends a CI job's test report and screenshots to an
// Eltrur server.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// Load .env file. Use "automation/.env" when running from the repository root.
	if err := godotenv.Load("automation/.env"); err != nil {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found, relying on environment variables")
		}
	}

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
