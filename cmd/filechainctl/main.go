package main

import (
    "log"

    "github.com/spf13/cobra"

    fccli "github.com/amirimatin/go-filechain/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "filechainctl",
        Short:         "filechain node and transfer CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    fccli.AddAll(root)
    return root
}
