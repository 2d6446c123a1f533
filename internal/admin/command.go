package admin

import "strings"

// Command is the closed set of statements the admin surface understands.
type Command int

const (
	CmdUnsupported Command = iota
	CmdShowStats
	CmdReload
	CmdShowConfig
	CmdShowDatabases
	CmdSet
)

func (c Command) String() string {
	switch c {
	case CmdShowStats:
		return "SHOW STATS"
	case CmdReload:
		return "RELOAD"
	case CmdShowConfig:
		return "SHOW CONFIG"
	case CmdShowDatabases:
		return "SHOW DATABASES"
	case CmdSet:
		return "SET"
	default:
		return "UNSUPPORTED"
	}
}

// Matching is by prefix against the uppercased query, in this exact order;
// the first hit wins. Anything after the matched prefix is ignored.
var commandPrefixes = []struct {
	prefix  string
	command Command
}{
	{"SHOW STATS", CmdShowStats},
	{"RELOAD", CmdReload},
	{"SHOW CONFIG", CmdShowConfig},
	{"SHOW DATABASES", CmdShowDatabases},
	{"SET ", CmdSet},
}

// Classify maps a query string to an admin command, CmdUnsupported when
// nothing matches.
func Classify(query string) Command {
	q := strings.ToUpper(query)
	for _, entry := range commandPrefixes {
		if strings.HasPrefix(q, entry.prefix) {
			return entry.command
		}
	}
	return CmdUnsupported
}
