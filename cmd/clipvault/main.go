// Command clipvault records clips on this device, keeps them safe locally and
// syncs them to the configured object store.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vidfriends/clipvault/internal/app"
)

func main() {
	ctx := context.Background()
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "clipvault:", err)
		os.Exit(1)
	}
}
