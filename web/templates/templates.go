package templates

// Embed the browser pages served by the web handler.

import (
	"embed"
)

//go:embed dashboard.html login.html backtest.html
var FS embed.FS
