// Command quill negotiates outlines and writes cited research reports.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zoobzio/quill"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		// A user-initiated stop is not an error worth shouting about.
		if quill.IsCancelled(err) || errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, styleMuted.Render("stopped"))
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, styleError.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
