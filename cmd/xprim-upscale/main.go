// Command xprim-upscale upscales images with tiled super-resolution
// models.
//
// Configuration is read from the user config dir (see "xprim-upscale
// config init"); XPRIM_UPSCALE_MODELS_DIR overrides where weights are
// stored.
package main

import (
	"context"
	"fmt"
	"os"

	upscale "github.com/prethora/xprim-upscale"
)

func main() {
	cmd := upscale.NewCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(upscale.ExitCode(err))
	}
}
