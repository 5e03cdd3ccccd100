package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"axbuild/internal/cli"
)

func main() {
	res, err := cli.Run(context.Background(), os.Args[1:])

	var invErr *cli.InvocationError
	switch {
	case errors.As(err, &invErr) && invErr.ExitCode == cli.ExitSuccess:
		fmt.Fprintln(os.Stdout, invErr.Message)
	case res.Summary != "":
		fmt.Fprintln(os.Stderr, res.Summary)
	case err != nil:
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(res.ExitCode)
}
