// Command pyxis builds parcels and boot images.
//
// Grounded on original_source/src/bin/pyxis.rs's two-level subcommand
// shape ("parcel build <INPUT>", "image build <MANIFEST>"), adapted to
// github.com/spf13/cobra per tuxillo-go-synth/cmd/build.go's use of the
// same library, rather than clap's App/Arg builder which has no Go
// equivalent worth hand-rolling.
package main

import (
	"fmt"
	"os"

	"github.com/pyxisbuild/pyxis"
	"github.com/pyxisbuild/pyxis/internal/imagebuild"
	"github.com/pyxisbuild/pyxis/internal/providers"
	"github.com/pyxisbuild/pyxis/internal/providers/local"
	"github.com/pyxisbuild/pyxis/internal/providers/upstream"
	"github.com/pyxisbuild/pyxis/internal/resolver"
	"github.com/pyxisbuild/pyxis/internal/syncdb"
	"github.com/pyxisbuild/pyxis/internal/uilog"
	"github.com/spf13/cobra"
)

var mirrorURL string

func newRegistry() *providers.Registry {
	db := syncdb.New(mirrorURL, nil)
	return providers.NewRegistry(upstream.New(db, mirrorURL), local.New())
}

func main() {
	uilog.Init(os.Getenv("NO_COLOR") != "")

	// The build pipeline itself has no cancellation points; a SIGINT
	// only gets a visible acknowledgment here, not a cancel that
	// anything downstream observes.
	ctx, cancel := pyxis.InterruptibleContext()
	defer cancel()
	go func() {
		<-ctx.Done()
		uilog.Warn("interrupted; the build continues (no mid-build cancellation); press Ctrl-C again to force-exit")
	}()

	root := &cobra.Command{
		Use:     "pyxis",
		Short:   "Build content-addressed parcels and boot images",
		Version: "0.1.0",
	}
	root.PersistentFlags().StringVar(&mirrorURL, "mirror", "http://archrepo.example.com", "upstream package mirror base URL")

	parcelCmd := &cobra.Command{Use: "parcel", Short: "Work with individual parcels"}
	parcelCmd.AddCommand(&cobra.Command{
		Use:   "build <PROVIDER>|<NAME>",
		Short: "Build a single parcel into the local parcel store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := pyxis.ParseParcelRef(args[0])
			if err != nil {
				return err
			}
			reg := newRegistry()
			if err := reg.Build(ref); err != nil {
				return err
			}
			parcelPath, err := pyxis.ParcelPath(ref)
			if err != nil {
				return err
			}
			fmt.Println(parcelPath)
			return nil
		},
	})

	imageCmd := &cobra.Command{Use: "image", Short: "Build complete images"}
	imageCmd.AddCommand(&cobra.Command{
		Use:   "build <MANIFEST>",
		Short: "Produce an image from a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			manifest, err := resolver.ParseManifest(f)
			if err != nil {
				return err
			}
			return imagebuild.Build(manifest, newRegistry(), imagebuild.Options{})
		},
	})

	root.AddCommand(parcelCmd, imageCmd)
	if err := root.Execute(); err != nil {
		uilog.Warn("%v", err)
		os.Exit(1)
	}
}
