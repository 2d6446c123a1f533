package router

import (
	"regexp"
	"strconv"
	"strings"
)

type Destination int

const (
	Primary Destination = iota
	Replica
)

func (d Destination) String() string {
	if d == Primary {
		return "primary"
	}
	return "replica"
}

type Router struct {
}

func NewRouter() *Router {
	return &Router{}
}

// Route decides whether a query can be served by a read-only replica.
// Anything inside a transaction, or that could write, goes to the primary.
func (r *Router) Route(query string, inTransaction bool) Destination {
	if inTransaction {
		return Primary
	}

	query = strings.TrimSpace(strings.ToUpper(query))

	if strings.HasPrefix(query, "INSERT") ||
		strings.HasPrefix(query, "UPDATE") ||
		strings.HasPrefix(query, "DELETE") ||
		strings.HasPrefix(query, "CREATE") ||
		strings.HasPrefix(query, "DROP") ||
		strings.HasPrefix(query, "ALTER") ||
		strings.HasPrefix(query, "BEGIN") ||
		strings.HasPrefix(query, "COMMIT") ||
		strings.HasPrefix(query, "ROLLBACK") {
		return Primary
	}

	if strings.HasPrefix(query, "SELECT") && strings.Contains(query, "FOR UPDATE") {
		return Primary
	}

	if strings.HasPrefix(query, "SELECT") || strings.HasPrefix(query, "SHOW") {
		return Replica
	}

	if strings.HasPrefix(query, "WITH") {
		// A CTE that touches data anywhere must run on the primary.
		for _, kw := range []string{"INSERT", "UPDATE", "DELETE"} {
			if strings.Contains(query, kw) {
				return Primary
			}
		}
		return Replica
	}

	return Primary
}

var shardHintRe = regexp.MustCompile(`(?i)^\s*SET\s+SHARD\s+TO\s+'?(\d+)'?`)

// ShardHint recognizes the pooler's out-of-band shard selector,
// "SET SHARD TO 'n'". It is answered by the proxy itself and never
// forwarded to a backend.
func ShardHint(query string) (int, bool) {
	m := shardHintRe.FindStringSubmatch(query)
	if m == nil {
		return 0, false
	}
	shard, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return shard, true
}

func IsTransactionStart(query string) bool {
	query = strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(query, "BEGIN") || strings.HasPrefix(query, "START TRANSACTION")
}

func IsTransactionEnd(query string) bool {
	query = strings.TrimSpace(strings.ToUpper(query))
	return strings.HasPrefix(query, "COMMIT") || strings.HasPrefix(query, "ROLLBACK") || strings.HasPrefix(query, "ABORT")
}

// IsSessionModification reports whether the query changes per-session
// state that pins the client to a single backend connection.
func IsSessionModification(query string) bool {
	query = strings.TrimSpace(strings.ToUpper(query))
	if strings.HasPrefix(query, "SET SHARD") {
		return false
	}
	return strings.HasPrefix(query, "SET ") || strings.HasPrefix(query, "RESET")
}
