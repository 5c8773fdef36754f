package iceberg

import "github.com/coffersTech/nanolog/server/internal/rowsql"

func escapeSQLString(s string) string { return rowsql.EscapeSQLString(s) }

func createTableSQL(name string) string { return rowsql.CreateTableSQL(name) }

func formatAttributesMap(attrs map[string]string) string { return rowsql.FormatAttributesMap(attrs) }
