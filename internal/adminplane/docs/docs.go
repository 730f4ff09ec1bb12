// Package docs contains the swagger specification for the admin plane,
// registered with swaggo/swag at init time. Normally generated by
// `swag init`; hand-maintained here to match the two routes actually
// mounted in routes.go.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/healthz": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Health check",
                "description": "Reports that the process is up and serving",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/adminplane.StatusResponse"}
                    }
                }
            }
        },
        "/stats": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Runtime statistics",
                "description": "Returns system CPU/memory usage and DNS query counters",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {"$ref": "#/definitions/adminplane.ServerStatsResponse"}
                    }
                }
            }
        }
    },
    "definitions": {
        "adminplane.StatusResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string"}
            }
        },
        "adminplane.CPUStats": {
            "type": "object",
            "properties": {
                "num_cpu": {"type": "integer"},
                "used_percent": {"type": "number"},
                "idle_percent": {"type": "number"}
            }
        },
        "adminplane.MemoryStats": {
            "type": "object",
            "properties": {
                "total_mb": {"type": "number"},
                "free_mb": {"type": "number"},
                "used_mb": {"type": "number"},
                "used_percent": {"type": "number"}
            }
        },
        "adminplane.DNSStatsResponse": {
            "type": "object",
            "properties": {
                "queries_total": {"type": "integer"},
                "queries_udp": {"type": "integer"},
                "queries_tcp": {"type": "integer"},
                "responses_nxdomain": {"type": "integer"},
                "responses_error": {"type": "integer"},
                "avg_latency_ms": {"type": "number"}
            }
        },
        "adminplane.ServerStatsResponse": {
            "type": "object",
            "properties": {
                "uptime": {"type": "string"},
                "uptime_seconds": {"type": "integer"},
                "start_time": {"type": "string"},
                "cpu": {"$ref": "#/definitions/adminplane.CPUStats"},
                "memory": {"$ref": "#/definitions/adminplane.MemoryStats"},
                "dns": {"$ref": "#/definitions/adminplane.DNSStatsResponse"}
            }
        }
    }
}`

// SwaggerInfo holds exported swagger metadata, referenced by the generated
// template above and by anything that imports this package directly.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Authoritative DNS Admin Plane",
	Description:      "Read-only liveness and stats surface for the DNS server.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
