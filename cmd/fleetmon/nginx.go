package main

import (
	"fmt"
	"io"

	"github.com/playok/fleetmon/internal/config"
)

func printNginx(w io.Writer, cfg *config.Config) {
	bp := cfg.BasePath
	if bp == "/" {
		bp = "/fleetmon"
		fmt.Fprintln(w, `# base_path is "/", using "/fleetmon" as example.`)
		fmt.Fprintln(w, "# Set base_path in config.yaml to match your desired location.")
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, `# --------------------------------------------------
# nginx reverse proxy configuration for fleetmon
# --------------------------------------------------
# Add this inside an http { server { ... } } block.

location %s/ {
    proxy_pass         http://%s%s/;
    proxy_http_version 1.1;

    # WebSocket live stream
    proxy_set_header   Upgrade $http_upgrade;
    proxy_set_header   Connection "upgrade";

    proxy_set_header   Host              $host;
    proxy_set_header   X-Real-IP         $remote_addr;
    proxy_set_header   X-Forwarded-For   $proxy_add_x_forwarded_for;
    proxy_set_header   X-Forwarded-Proto $scheme;

    proxy_buffering    off;
    proxy_read_timeout 86400s;
}
`, bp, cfg.Listen, bp)

	fmt.Fprintln(w, "# config.yaml should have:")
	fmt.Fprintf(w, "#   base_path: \"%s\"\n", bp)
}
