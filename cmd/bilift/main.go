package main

import (
	"net/http"
	"os"

	_ "net/http/pprof" // profiling

	"github.com/charmbracelet/log"

	"bilift/internal/bilift/cmd"
	"bilift/internal/logging"
)

func main() {
	lg := log.New(os.Stderr)
	defer logging.RecoverPanic(lg, "main", func() {
		lg.Error("Application terminated due to unhandled panic")
	})

	if os.Getenv("BILIFT_PROFILE") != "" {
		go func() {
			lg.Info("Serving pprof at localhost:6060")
			if httpErr := http.ListenAndServe("localhost:6060", nil); httpErr != nil {
				lg.Error("Failed to pprof listen", "error", httpErr)
			}
		}()
	}

	cmd.Execute()
}
