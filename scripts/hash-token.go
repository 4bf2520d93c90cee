package main

import (
	"fmt"
	"os"

	"github.com/nexfleet/linkd/internal/util"
)

// Computes the stored hash for a raw token, for looking up device codes or
// sessions by hand. The secret must match the server's TOKEN_HASH_SECRET.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-token.go <token>\n")
		os.Exit(1)
	}

	token := os.Args[1]
	secret := os.Getenv("TOKEN_HASH_SECRET")

	fmt.Println(util.HashToken(secret, token))
}
