package hooks

import "strings"

// classify returns the operation and primary table of a statement. Table is
// empty when it cannot be determined.
func classify(stmt string) (op, table string) {
	trimmed := strings.TrimSpace(stmt)
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "SELECT "):
		idx := strings.Index(upper, " FROM ")
		if idx == -1 {
			return "select", ""
		}
		return "select", firstWord(trimmed[idx+6:])
	case strings.HasPrefix(upper, "INSERT INTO "):
		return "insert", firstWord(trimmed[12:])
	case strings.HasPrefix(upper, "UPDATE "):
		return "update", firstWord(trimmed[7:])
	case strings.HasPrefix(upper, "DELETE FROM "):
		return "delete", firstWord(trimmed[12:])
	case strings.HasPrefix(upper, "CREATE "), strings.HasPrefix(upper, "ALTER "), strings.HasPrefix(upper, "DROP "):
		return "ddl", ""
	}
	return "other", ""
}

// firstWord reads an identifier, quoted or not, and drops any alias.
func firstWord(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 0 && s[0] == '"' {
		if end := strings.IndexByte(s[1:], '"'); end >= 0 {
			return s[1 : end+1]
		}
	}
	end := 0
	for end < len(s) {
		switch s[end] {
		case ' ', '(', '\t', '\n', ',', ';':
			return strings.Trim(s[:end], `"`)
		}
		end++
	}
	return strings.Trim(s, `"`)
}
