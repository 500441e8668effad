package main

import "embed"

// configFS holds the bundled hook tables under configs/games.
//
//go:embed configs
var configFS embed.FS
