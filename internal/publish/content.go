package publish

import (
	"path/filepath"
	"strings"
)

var contentTypes = map[string]string{
	".html":    "text/html; charset=utf-8",
	".csv":     "text/csv; charset=utf-8",
	".json":    "application/json",
	".txt":     "text/plain; charset=utf-8",
	".yaml":    "application/yaml",
	".parquet": "application/vnd.apache.parquet",
	".db":      "application/vnd.sqlite3",
	".gz":      "application/gzip",
}

func contentType(path string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(path))]; ok {
		return ct
	}
	return "application/octet-stream"
}
