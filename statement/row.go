package statement

// Row is one result row of a read query
type Row struct {
	Columns []string
	Values  []interface{}
}

// Get returns the value of the named column
func (r Row) Get(column string) (interface{}, bool) {
	for i, c := range r.Columns {
		if c == column && i < len(r.Values) {
			return r.Values[i], true
		}
	}
	return nil, false
}
