package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"miladybank/cmd/internal/passphrase"
)

const secretEnv = "BANKCTL_JWT_SECRET"

// secretSource resolves the HMAC signing secret. Tests replace it.
var secretSource = func() (string, error) {
	return passphrase.NewSource(secretEnv, "token signing secret").Get()
}

// tokenPrompt reads a bearer token from the terminal for --token -.
var tokenPrompt = func() (string, error) {
	return passphrase.NewSource("", "bearer token").Get()
}

// runTokenCommand mints an HS256 bearer token accepted by bankd when it
// shares the signing secret. Intended for operators and development.
func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	subject := fs.String("sub", "", "account address the token acts for")
	scope := fs.String("scope", "", "space separated scopes, e.g. bank:admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	issuer := fs.String("issuer", "", "iss claim")
	audience := fs.String("audience", "", "aud claim")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if strings.TrimSpace(*subject) == "" {
		fmt.Fprintln(stderr, "usage: bankctl token --sub ADDRESS [--scope S] [--ttl 1h]")
		return 1
	}
	if *ttl <= 0 {
		fmt.Fprintln(stderr, "Error: --ttl must be positive")
		return 1
	}
	secret, err := secretSource()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := mintToken(secret, strings.TrimSpace(*subject), *scope, *issuer, *audience, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func mintToken(secret, subject, scope, issuer, audience string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": strings.ToLower(subject),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if scope = strings.TrimSpace(scope); scope != "" {
		claims["scope"] = scope
	}
	if issuer = strings.TrimSpace(issuer); issuer != "" {
		claims["iss"] = issuer
	}
	if audience = strings.TrimSpace(audience); audience != "" {
		claims["aud"] = audience
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
