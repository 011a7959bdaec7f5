package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/newtron-network/newtdeploy/pkg/image"
)

func newServeCmd() *cobra.Command {
	var listen, advertise string
	cmd := &cobra.Command{
		Use:   "serve <file>...",
		Short: "Serve local images over HTTP until interrupted",
		Long: `Serve files over HTTP so devices can download them. Each file is
served under its base name.

Example:
  newtdeploy serve ./sonic-mellanox.bin --listen :8080`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			files := make(map[string]string, len(args))
			for _, p := range args {
				name := filepath.Base(p)
				if _, dup := files[name]; dup {
					return fmt.Errorf("duplicate file name %s", name)
				}
				files[name] = p
			}
			srv, err := image.NewServer(files, advertise)
			if err != nil {
				return err
			}
			if err := srv.Start(ctx, listen); err != nil {
				return err
			}
			defer srv.Close()

			for name := range files {
				fmt.Println(srv.URL(name))
			}
			fmt.Println(yellow("Serving; press Ctrl-C to stop"))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":0", "listen address")
	cmd.Flags().StringVar(&advertise, "advertise_host", "", "host name in printed URLs (default: hostname)")
	return cmd
}
