package web

import "embed"

// FS holds the status page served at /.
//
//go:embed index.html
var FS embed.FS
