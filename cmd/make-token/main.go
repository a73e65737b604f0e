// make-token mints a signed API token for a tenant. Dev/ops helper for
// calling the hub without a frontend login flow.
//
// Usage (from backend directory):
//
//	API_SECRET=... go run ./cmd/make-token --tenant-id=tn_123 --role=admin
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mmdatafocus/synchub_backend/utils"
)

func main() {
	tenantId := flag.String("tenant-id", "", "tenant id to embed in the token (required)")
	userId := flag.Int("user-id", 1, "user id to embed in the token")
	role := flag.String("role", "user", "role claim: user or admin")
	flag.Parse()

	if *tenantId == "" {
		fmt.Fprintln(os.Stderr, "--tenant-id is required")
		flag.Usage()
		os.Exit(2)
	}
	if *role != "user" && *role != "admin" {
		fmt.Fprintf(os.Stderr, "unknown role %q (want user or admin)\n", *role)
		os.Exit(2)
	}
	if os.Getenv("API_SECRET") == "" {
		fmt.Fprintln(os.Stderr, "warning: API_SECRET not set; signing with the dev default")
	}

	token, err := utils.JwtGenerate(*tenantId, *userId, *role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
