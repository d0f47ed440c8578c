package main

import (
	"fmt"
	"os"

	"github.com/aegisid/aegis/internal/crypto"
)

func main() {
	secret, err := crypto.RandomToken(48)
	if err != nil {
		fmt.Printf("Failed to generate signing secret: %v\n", err)
		os.Exit(1)
	}

	mfaKey, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Failed to generate encryption key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("TOKEN_SIGNING_SECRET=\"%s\"\n", secret)
	fmt.Printf("MFA_ENCRYPTION_KEY=\"%s\"\n", mfaKey)
	fmt.Println("--------------------------------")
}
