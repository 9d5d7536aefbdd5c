package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/macaw-im/macaw/internal/account"
	"github.com/macaw-im/macaw/internal/daemon"
)

func main() {
	accountFlag := flag.String("account", "", "account name (overrides config default)")
	flag.Parse()

	name := account.Resolve(*accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{AccountName: name}),
	)

	app.Run()
}
