// Package appfs embeds the static files shipped with the binaries:
// database migrations, the course catalog and the email/certificate templates.
package appfs

import "embed"

//go:embed migrations/*.sql assets/* all:templates
var FS embed.FS
