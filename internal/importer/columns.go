package importer

import (
	"strings"

	"github.com/maneesh/labimport/internal/models"
)

// aliases lists, per lookup field and in priority order, the header names
// that map onto it. Headers are compared after normalizeHeader.
var aliases = []struct {
	field string
	names []string
}{
	{models.ColumnUID, []string{"uid", "user_id", "userid", "id", "col_a", "cola", "column_a", "field_a", "value_a", "a"}},
	{models.ColumnPhone, []string{"phone", "phone_number", "phonenumber", "tel", "mobile", "msisdn", "col_b", "colb", "column_b", "field_b", "value_b", "b"}},
	{models.ColumnName, []string{"name", "full_name", "fullname", "customer_name", "col_d", "cold", "column_d", "field_d", "value_d", "d"}},
	{models.ColumnAddress, []string{"address", "addr", "location", "street", "col_c", "colc", "column_c", "field_c", "value_c", "c"}},
}

// shorter aliases only ever match a whole header
const minSubstringAlias = 3

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

// Mapping assigns each lookup field the index of the header column it is
// read from, or -1
type Mapping struct {
	UID, Phone, Name, Address int
}

// Resolve computes the field-to-column mapping once for a header row. An
// exact alias match is preferred over a substring match, and each column
// is claimed by at most one field.
func Resolve(header []string) Mapping {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = normalizeHeader(h)
	}

	claimed := make([]bool, len(header))
	found := map[string]int{}

	find := func(match func(col, alias string) bool, names []string) int {
		for _, alias := range names {
			for i, col := range norm {
				if !claimed[i] && col != "" && match(col, alias) {
					return i
				}
			}
		}
		return -1
	}
	exact := func(col, alias string) bool { return col == alias }
	contains := func(col, alias string) bool {
		return len(alias) >= minSubstringAlias && strings.Contains(col, alias)
	}

	for _, pass := range []func(string, string) bool{exact, contains} {
		for _, a := range aliases {
			if _, ok := found[a.field]; ok {
				continue
			}
			if i := find(pass, a.names); i >= 0 {
				claimed[i] = true
				found[a.field] = i
			}
		}
	}

	index := func(field string) int {
		if i, ok := found[field]; ok {
			return i
		}
		return -1
	}
	return Mapping{
		UID:     index(models.ColumnUID),
		Phone:   index(models.ColumnPhone),
		Name:    index(models.ColumnName),
		Address: index(models.ColumnAddress),
	}
}

// Keyed reports whether the mapping can produce uid or phone values at all
func (m Mapping) Keyed() bool {
	return m.UID >= 0 || m.Phone >= 0
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Record builds a lookup record from a row. ok is false when the row has
// neither uid nor phone.
func (m Mapping) Record(row []string) (rec *models.LookupRecord, ok bool) {
	rec = &models.LookupRecord{
		UID:     cell(row, m.UID),
		Phone:   cell(row, m.Phone),
		Name:    cell(row, m.Name),
		Address: cell(row, m.Address),
	}
	return rec, rec.UID != "" || rec.Phone != ""
}
