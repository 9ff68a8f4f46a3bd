// Command hash-admin-key prints the pbkdf2 hash for an admin API key so
// deployments never need to store the key in plain text.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/7and1/youtube-subtitle-api/internal/server"
)

func main() {
	var (
		key      string
		generate bool
	)

	flag.StringVar(&key, "key", "", "Admin API key to hash")
	flag.BoolVar(&generate, "generate", false, "Generate a random key and print both key and hash")
	flag.Parse()

	if generate && key != "" {
		fatalf("only one of --key or --generate may be provided")
	}
	if !generate && key == "" {
		fatalf("either --key or --generate must be provided")
	}

	if generate {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			fatalf("generate key: %v", err)
		}
		key = base64.RawURLEncoding.EncodeToString(raw)
		fmt.Printf("Key:  %s\n", key)
	} else if len(key) < 16 {
		fatalf("--key must be at least 16 characters")
	}

	hash, err := server.HashAPIKey(key)
	if err != nil {
		fatalf("hash key: %v", err)
	}
	fmt.Printf("Hash: %s\n", hash)
	fmt.Println("Set the hash as YTSUBS_ADMIN_API_KEY and keep the key itself secret.")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
