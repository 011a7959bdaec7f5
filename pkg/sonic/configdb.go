package sonic

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ConfigDBPath is the persisted configuration on the device.
const ConfigDBPath = "/etc/sonic/config_db.json"

// ConfigDB is config_db.json as a nested table -> key -> field map.
// Field values are strings or string lists.
type ConfigDB map[string]map[string]map[string]any

// ParseConfigDB decodes config_db.json.
func ParseConfigDB(data []byte) (ConfigDB, error) {
	var db ConfigDB
	if err := json.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("parsing config_db: %w", err)
	}
	if db == nil {
		db = ConfigDB{}
	}
	return db, nil
}

// Marshal encodes db the way "config save" lays it out.
func (db ConfigDB) Marshal() ([]byte, error) {
	return json.MarshalIndent(db, "", "    ")
}

// Tables returns the table names, sorted.
func (db ConfigDB) Tables() []string {
	out := make([]string, 0, len(db))
	for t := range db {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Entry returns table|key, or nil.
func (db ConfigDB) Entry(table, key string) map[string]any {
	return db[table][key]
}

// Set writes a single field, creating the table and entry as needed.
func (db ConfigDB) Set(table, key, field string, value any) {
	if db[table] == nil {
		db[table] = map[string]map[string]any{}
	}
	if db[table][key] == nil {
		db[table][key] = map[string]any{}
	}
	db[table][key][field] = value
}

// Merge overlays patch onto db field by field.
func (db ConfigDB) Merge(patch ConfigDB) {
	for table, entries := range patch {
		for key, fields := range entries {
			if len(fields) == 0 {
				if db[table] == nil {
					db[table] = map[string]map[string]any{}
				}
				if db[table][key] == nil {
					db[table][key] = map[string]any{}
				}
				continue
			}
			for f, v := range fields {
				db.Set(table, key, f, v)
			}
		}
	}
}

// ListValue returns a list-valued field as strings.
func (db ConfigDB) ListValue(table, key, field string) []string {
	switch v := db[table][key][field].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// RemoveListValue deletes value from a list field and drops the field when
// it becomes empty. It reports whether value was present.
func (db ConfigDB) RemoveListValue(table, key, field, value string) bool {
	list := db.ListValue(table, key, field)
	kept := list[:0]
	found := false
	for _, v := range list {
		if v == value {
			found = true
			continue
		}
		kept = append(kept, v)
	}
	if !found {
		return false
	}
	if len(kept) == 0 {
		delete(db[table][key], field)
	} else {
		db[table][key][field] = kept
	}
	return true
}

// Prune removes table|key when it has no fields left, then the table when
// it has no entries left.
func (db ConfigDB) Prune(table, key string) {
	entries, ok := db[table]
	if !ok {
		return
	}
	if fields, ok := entries[key]; ok && len(fields) == 0 {
		delete(entries, key)
	}
	if len(entries) == 0 {
		delete(db, table)
	}
}
