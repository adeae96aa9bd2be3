// Command sign produces the auth headers for a signed relay request,
// for use with curl when debugging.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/openclaw/clawsend/clients/go/clawsend"
	"github.com/openclaw/clawsend/internal/envelope"
)

func main() {
	dir := flag.String("dir", "", "Vault directory")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -dir <vault-directory> [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	vault, err := clawsend.LoadVault(*dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load vault: %v\n", err)
		os.Exit(1)
	}

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	canonical := body
	if len(body) > 0 {
		canonical, err = envelope.CanonicalBytes(body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Body is not valid JSON: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("X-Clawsend-Vault: %s\n", vault.VaultID)
	fmt.Printf("X-Clawsend-Signature: %s\n", vault.Sign(canonical))
	fmt.Printf("\nCanonical body:\n%s\n", canonical)
}
