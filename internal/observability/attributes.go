// Package observability provides the service's metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

const (
	attrMethod   = "method"
	attrPath     = "path"
	attrStatus   = "status"
	attrScan     = "scan_status"
	attrSeverity = "severity"
	attrKind     = "kind"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx etc, keeps cardinality down.
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func scanStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrScan, status)
}

func severityAttr(severity string) attribute.KeyValue {
	return attribute.String(attrSeverity, severity)
}

func eventKindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

// normalizePath collapses scan and agent ids so each route is one series.
func normalizePath(path string) string {
	const prefix = "/api/scans/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := strings.Split(path[len(prefix):], "/")
	rest[0] = "{scanId}"
	if len(rest) >= 3 && rest[1] == "agents" {
		rest[2] = "{agentId}"
	}
	return prefix + strings.Join(rest, "/")
}
