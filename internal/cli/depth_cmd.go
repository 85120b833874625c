package cli

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"framepick/internal/depth"
	"framepick/internal/fsutil"
)

func newDepthMaskCmd(root *Root) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "depth-mask <burst-dir> <index>",
		Short: "Render a frame's depth map as a grayscale PNG",
		Long: `Render the depth map of one frame as an 8-bit grayscale PNG.
Valid samples are scaled between the nearest and farthest depth; missing
samples are black. Useful for checking what the depth assessment sees.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid frame index %q: %w", args[1], err)
			}
			b, err := fsutil.LoadBundle(cmd.Context(), args[0], loadOptions(root.cfg, root.log))
			if err != nil {
				return err
			}
			it, err := b.Item(index)
			if err != nil {
				return err
			}
			mask, err := depth.Mask(it.Depth)
			if err != nil {
				return fmt.Errorf("frame %d: %w", index, err)
			}
			w, h := it.Depth.Width(), it.Depth.Height()
			img := &image.Gray{Pix: mask, Stride: w, Rect: image.Rect(0, 0, w, h)}

			if out == "" {
				out = filepath.Join(root.cfg.Paths.ExportDir, fmt.Sprintf("depth-%s-%d.png", filepath.Base(filepath.Clean(args[0])), index))
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := png.Encode(f, img); err != nil {
				f.Close()
				return fmt.Errorf("encode %s: %w", out, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(root.out, "wrote %dx%d depth mask to %s\n", w, h, out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG (default paths.export_dir/depth-<burst>-<index>.png)")
	return cmd
}
