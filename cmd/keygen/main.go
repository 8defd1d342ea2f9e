package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	kind := "app"
	if len(os.Args) > 1 {
		kind = os.Args[1]
	}

	var prefix string
	switch kind {
	case "app":
		prefix = "pgql_"
	case "dashboard":
		prefix = "pgqldash_"
	default:
		fmt.Println("Usage: keygen [app|dashboard]")
		fmt.Println("Prints a freshly generated API key and its SHA-256 hash.")
		os.Exit(1)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}
	key := prefix + base64.RawURLEncoding.EncodeToString(buf)
	hash := sha256.Sum256([]byte(key))

	fmt.Printf("Key:         %s\n", key)
	fmt.Printf("SHA-256:     %s\n", hex.EncodeToString(hash[:]))
	if kind == "dashboard" {
		fmt.Println("\nSet PGQL_DASHBOARD__API_KEY to this value, or POST /config/generate-key instead.")
	}
}
