// Package web embeds the built viewer assets.
package web

import "embed"

//go:embed dist
var Assets embed.FS
