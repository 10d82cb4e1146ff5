package sqlstore

import (
	"strconv"
	"strings"
)

type dialect struct {
	name   string
	driver string
	// dollar placeholders ($1, $2, ...) instead of '?'
	dollar bool
	// rowLock is appended to single-row reads inside a write transaction.
	rowLock string
	// skipLocked is appended to the acquisition query.
	skipLocked string
	// collate forces byte-wise key ordering.
	collate string
}

var (
	sqliteDialect = dialect{name: "sqlite", driver: "sqlite"}
	// Row locks plus SKIP LOCKED let several engine instances share one database
	// without blocking on each other's batches.
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "postgres",
		dollar:     true,
		rowLock:    " FOR UPDATE",
		skipLocked: " FOR UPDATE OF t SKIP LOCKED",
		collate:    ` COLLATE "C"`,
	}
)

// rebind rewrites '?' placeholders for the dialect.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
