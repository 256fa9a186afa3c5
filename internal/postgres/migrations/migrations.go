// Package migrations embeds the SQL schema applied by the api migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in application order.
var Files = []string{
	"001_create_delegated_tasks.sql",
}
