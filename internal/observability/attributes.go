package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrKind    = "kind"
	attrJob     = "job_status"
	attrLogKind = "log_kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality: 404 -> 4xx.
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func jobStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrJob, status)
}

func logKindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrLogKind, kind)
}

// normalizePath collapses job ids so metric cardinality stays bounded:
// /v1/jobs/abc123/logs -> /v1/jobs/{jobId}/logs.
func normalizePath(path string) string {
	const prefix = "/v1/jobs/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{jobId}" + rest[i:]
	}
	return prefix + "{jobId}"
}
