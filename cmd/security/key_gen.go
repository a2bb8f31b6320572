// key_gen prints a fresh master key, or with -token a realtime client token
// signed with JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"crypto-payment-service/internal/realtime"
	"crypto-payment-service/internal/security"

	"github.com/joho/godotenv"
)

func main() {
	userID := flag.String("token", "", "issue a websocket token for this user id instead of a master key")
	userType := flag.String("type", "buyer", "user type claim of the issued token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	if *userID != "" {
		_ = godotenv.Load()
		secret := os.Getenv("JWT_SECRET")
		if secret == "" {
			log.Fatal("JWT_SECRET is not set")
		}
		issuer := os.Getenv("JWT_ISSUER")
		if issuer == "" {
			issuer = "crypto-payment-service"
		}
		token, err := realtime.NewVerifier(secret, issuer).Issue(*userID, *userType, *ttl)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		return
	}

	key, err := security.GenerateMasterKey()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("==============================================")
	fmt.Println("Generated AES-256 Master Key:")
	fmt.Println("==============================================")
	fmt.Println(key)
	fmt.Println("==============================================")
	fmt.Println("Add this to your .env file as:")
	fmt.Println("CRYPTO_MASTER_KEY=" + key)
	fmt.Println("==============================================")
	fmt.Println("KEEP THIS KEY SECURE. DO NOT COMMIT IT.")
	fmt.Println("==============================================")
}
