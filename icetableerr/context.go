package icetableerr

import "fmt"

// WrapTable wraps err with the operation and table it happened on, so log
// lines and CLI output are self-describing.
func WrapTable(err error, op, table string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s[table=%s]: %w", op, table, err)
}
