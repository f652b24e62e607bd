package main

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/blobmirror/blobmirror/internal/storage"
	"github.com/blobmirror/blobmirror/pkg/bytesize"
)

func newContainersCmd() *cobra.Command {
	containersCmd := &cobra.Command{
		Use:   "containers",
		Short: "Manage containers",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List containers across both stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			names, err := o.ListContainers(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
	containersCmd.AddCommand(listCmd)

	createCmd := &cobra.Command{
		Use:   "create <container>",
		Short: "Create a container in the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			return o.CreateContainer(cmd.Context(), args[0])
		},
	}
	containersCmd.AddCommand(createCmd)

	clearCmd := &cobra.Command{
		Use:   "clear <container>",
		Short: "Drop all local entries of a container, tombstones included",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			return o.ClearContainer(cmd.Context(), args[0])
		},
	}
	containersCmd.AddCommand(clearCmd)

	return containersCmd
}

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <container>",
		Short: "List objects in a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			entries, err := o.ListObjects(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tETAG\tMODIFIED")
			for _, entry := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					entry.Name,
					bytesize.Format(entry.Size),
					entry.ETag,
					entry.LastModified.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <container> <object> [dest]",
		Short: "Fetch an object (promoting it to the local store)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			obj, err := o.GetObject(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			defer func() { _ = obj.Close() }()

			dst := os.Stdout
			if len(args) == 3 {
				f, err := os.Create(args[2])
				if err != nil {
					return fmt.Errorf("create %s: %w", args[2], err)
				}
				defer func() { _ = f.Close() }()
				dst = f
			}

			_, err = io.Copy(dst, obj.Body)
			return err
		},
	}
}

func newPutCmd() *cobra.Command {
	var contentType string

	putCmd := &cobra.Command{
		Use:   "put <container> <object> <file>",
		Short: "Write an object to the local store",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}

			f, err := os.Open(args[2])
			if err != nil {
				return fmt.Errorf("open %s: %w", args[2], err)
			}
			defer func() { _ = f.Close() }()

			ct := contentType
			if ct == "" {
				ct = mime.TypeByExtension(filepath.Ext(args[2]))
			}

			info, err := o.PutObject(cmd.Context(), args[0], args[1], f, storage.ObjectInfo{
				Name:        args[1],
				ContentType: ct,
			})
			if err != nil {
				return err
			}
			fmt.Printf("wrote %s/%s (%s, etag %s)\n", args[0], args[1], bytesize.Format(info.Size), info.ETag)
			return nil
		},
	}
	putCmd.Flags().StringVar(&contentType, "content-type", "", "content type (default: from file extension)")

	return putCmd
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <container> <object>...",
		Short: "Delete objects (tombstoned locally; upstream copies are untouched)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				return o.RemoveObject(cmd.Context(), args[0], args[1])
			}
			return o.RemoveObjects(cmd.Context(), args[0], args[1:])
		},
	}
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <container> <object>",
		Short: "Show object metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := openOverlay(cmd)
			if err != nil {
				return err
			}
			info, err := o.StatObject(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(w, "Name:\t%s\n", info.Name)
			fmt.Fprintf(w, "Size:\t%s (%d bytes)\n", bytesize.Format(info.Size), info.Size)
			fmt.Fprintf(w, "Content-Type:\t%s\n", info.ContentType)
			fmt.Fprintf(w, "ETag:\t%s\n", info.ETag)
			fmt.Fprintf(w, "Modified:\t%s\n", info.LastModified.Format("2006-01-02 15:04:05 MST"))
			if info.VersionID != "" {
				fmt.Fprintf(w, "Version:\t%s\n", info.VersionID)
			}
			for k, v := range info.Metadata {
				fmt.Fprintf(w, "Meta %s:\t%s\n", k, v)
			}
			return w.Flush()
		},
	}
}
