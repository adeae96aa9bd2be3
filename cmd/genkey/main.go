// Command genkey initializes a vault directory with fresh keypairs.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openclaw/clawsend/clients/go/clawsend"
)

func main() {
	dir := flag.String("dir", "", "Vault directory to create")
	alias := flag.String("alias", "", "Optional alias for this vault")
	flag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "Usage: genkey -dir <vault-directory> [-alias <name>]")
		os.Exit(1)
	}

	vault, err := clawsend.CreateVault(*dir, *alias)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create vault: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Vault ID:               %s\n", vault.VaultID)
	fmt.Printf("Signing public key:     %s\n", vault.SigningPublicKey())
	fmt.Printf("Encryption public key:  %s\n", vault.EncryptionPublicKey())
	fmt.Printf("Directory:              %s\n", vault.Dir)
}
