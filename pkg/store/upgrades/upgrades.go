// Package upgrades holds the embedded schema migrations for the bridge store.
package upgrades

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

// Table is the versioned upgrade table consumed by dbutil.Database.Upgrade.
var Table dbutil.UpgradeTable

//go:embed *.sql
var upgrades embed.FS

func init() {
	Table.RegisterFS(upgrades)
}
