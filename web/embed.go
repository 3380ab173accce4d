// Package web holds the embedded dashboard and viewer assets.
package web

import "embed"

//go:embed dashboard.html viewer.html
var FS embed.FS
