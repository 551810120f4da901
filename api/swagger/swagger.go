package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "FaceAttend API",
        "description": "Facial enrollment, verification and attendance tracking.",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http",
        "https"
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "tags": [
        {
            "name": "Enrollments",
            "description": "Facial template enrollment"
        },
        {
            "name": "Verification",
            "description": "1:1 verification and 1:N identification"
        },
        {
            "name": "Attendance",
            "description": "Biometric clock-in and clock-out"
        },
        {
            "name": "Sessions",
            "description": "Rosters, exports and live updates"
        },
        {
            "name": "Manual Requests",
            "description": "Attendance without a face check"
        },
        {
            "name": "Media",
            "description": "Signed media links"
        }
    ],
    "paths": {
        "/enrollments/{identityId}": {
            "post": {
                "tags": [
                    "Enrollments"
                ],
                "summary": "Enroll a face from a video or image archive",
                "responses": {
                    "201": {
                        "description": "Enrolled",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Face already enrolled under another identity",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "413": {
                        "description": "Upload too large",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "415": {
                        "description": "Unsupported media",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "422": {
                        "description": "Insufficient faces",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "503": {
                        "description": "Face provider unavailable",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "identityId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identity ID"
                    },
                    {
                        "name": "media",
                        "in": "formData",
                        "type": "file",
                        "required": true,
                        "description": "Video (mp4, mov, avi, webm) or zip of images"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "consumes": [
                    "multipart/form-data"
                ]
            },
            "get": {
                "tags": [
                    "Enrollments"
                ],
                "summary": "Enrollment status of an identity",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "identityId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identity ID"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            },
            "delete": {
                "tags": [
                    "Enrollments"
                ],
                "summary": "Deactivate an identity's enrollment",
                "responses": {
                    "200": {
                        "description": "Deactivated",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "No active enrollment",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "identityId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identity ID"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/enrollments/{identityId}/attempts": {
            "get": {
                "tags": [
                    "Enrollments"
                ],
                "summary": "Enrollment attempt ledger",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "identityId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Identity ID"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/enrollments/statistics": {
            "get": {
                "tags": [
                    "Enrollments"
                ],
                "summary": "Enrollment coverage statistics",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/verify": {
            "post": {
                "tags": [
                    "Verification"
                ],
                "summary": "Verify a snapshot against an identity",
                "responses": {
                    "200": {
                        "description": "Decision (verified may be false)",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "404": {
                        "description": "Identity not enrolled",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "503": {
                        "description": "Face provider unavailable",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/VerifyRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/identify": {
            "post": {
                "tags": [
                    "Verification"
                ],
                "summary": "Rank enrolled identities for a snapshot",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/IdentifyRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/clock-in": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Clock in with a face snapshot",
                "responses": {
                    "201": {
                        "description": "Clocked in",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "Window closed",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "401": {
                        "description": "Face verification failed",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already clocked in",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/ClockRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/clock-out": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Clock out with a face snapshot",
                "responses": {
                    "200": {
                        "description": "Clocked out",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "400": {
                        "description": "No prior check-in",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already clocked out",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/ClockRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/status/{sessionId}": {
            "get": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Caller's attendance state for a session today",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "sessionId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Session ID"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/attendance/override": {
            "post": {
                "tags": [
                    "Attendance"
                ],
                "summary": "Manually correct an attendance record",
                "responses": {
                    "200": {
                        "description": "Updated",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Forbidden",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/OverrideRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/sessions/{sessionId}/attendance": {
            "get": {
                "tags": [
                    "Sessions"
                ],
                "summary": "Session attendance roster",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "sessionId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Session ID"
                    },
                    {
                        "name": "date",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Day (YYYY-MM-DD)"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/sessions/{sessionId}/attendance/export": {
            "get": {
                "tags": [
                    "Sessions"
                ],
                "summary": "Export the session roster",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "sessionId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Session ID"
                    },
                    {
                        "name": "date",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Day (YYYY-MM-DD)"
                    },
                    {
                        "name": "format",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "csv or pdf"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "produces": [
                    "text/csv",
                    "application/pdf"
                ]
            }
        },
        "/sessions/{sessionId}/stream": {
            "get": {
                "tags": [
                    "Sessions"
                ],
                "summary": "Live attendance events (Server-Sent Events)",
                "responses": {
                    "200": {
                        "description": "Event stream",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "503": {
                        "description": "Live updates unavailable",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "sessionId",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Session ID"
                    },
                    {
                        "name": "access_token",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Bearer token for EventSource clients"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ],
                "produces": [
                    "text/event-stream"
                ]
            }
        },
        "/notifications/recent": {
            "get": {
                "tags": [
                    "Sessions"
                ],
                "summary": "Most recent notifications",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Maximum events"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/manual-requests": {
            "post": {
                "tags": [
                    "Manual Requests"
                ],
                "summary": "Ask staff to record attendance without a face check",
                "responses": {
                    "201": {
                        "description": "Submitted",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Pending request exists or already clocked in",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "payload",
                        "in": "body",
                        "required": true,
                        "schema": {
                            "$ref": "#/definitions/SubmitManualRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            },
            "get": {
                "tags": [
                    "Manual Requests"
                ],
                "summary": "Review queue of manual requests",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "status",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "pending, approved or rejected"
                    },
                    {
                        "name": "session_id",
                        "in": "query",
                        "required": false,
                        "type": "string",
                        "description": "Session filter"
                    },
                    {
                        "name": "page",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page"
                    },
                    {
                        "name": "limit",
                        "in": "query",
                        "required": false,
                        "type": "integer",
                        "description": "Page size"
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/manual-requests/{id}/approve": {
            "post": {
                "tags": [
                    "Manual Requests"
                ],
                "summary": "Approve a pending request and record attendance",
                "responses": {
                    "200": {
                        "description": "Approved",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already decided",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Request ID"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/DecisionRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/manual-requests/{id}/reject": {
            "post": {
                "tags": [
                    "Manual Requests"
                ],
                "summary": "Reject a pending request",
                "responses": {
                    "200": {
                        "description": "Rejected",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "409": {
                        "description": "Already decided",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "id",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Request ID"
                    },
                    {
                        "name": "payload",
                        "in": "body",
                        "required": false,
                        "schema": {
                            "$ref": "#/definitions/DecisionRequest"
                        }
                    }
                ],
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/media/{token}": {
            "get": {
                "tags": [
                    "Media"
                ],
                "summary": "Fetch a stored thumbnail or snapshot",
                "responses": {
                    "200": {
                        "description": "File",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    },
                    "403": {
                        "description": "Invalid or expired link",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "parameters": [
                    {
                        "name": "token",
                        "in": "path",
                        "required": true,
                        "type": "string",
                        "description": "Signed token"
                    }
                ],
                "produces": [
                    "image/jpeg",
                    "image/webp"
                ]
            }
        },
        "/auth/me": {
            "get": {
                "tags": [
                    "Authentication"
                ],
                "summary": "Current token claims",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        },
        "/metrics/summary": {
            "get": {
                "tags": [
                    "Operations"
                ],
                "summary": "Aggregated service counters",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/ResponseEnvelope"
                        }
                    }
                },
                "security": [
                    {
                        "BearerAuth": []
                    }
                ]
            }
        }
    },
    "definitions": {
        "VerifyRequest": {
            "type": "object",
            "required": [
                "identity_id",
                "snapshot"
            ],
            "properties": {
                "identity_id": {
                    "type": "string",
                    "format": "uuid"
                },
                "snapshot": {
                    "type": "string",
                    "description": "Data URL or base64 image"
                }
            }
        },
        "IdentifyRequest": {
            "type": "object",
            "required": [
                "snapshot"
            ],
            "properties": {
                "snapshot": {
                    "type": "string"
                },
                "top_k": {
                    "type": "integer",
                    "maximum": 50
                }
            }
        },
        "ClockRequest": {
            "type": "object",
            "required": [
                "session_id",
                "snapshot"
            ],
            "properties": {
                "session_id": {
                    "type": "string",
                    "format": "uuid"
                },
                "snapshot": {
                    "type": "string"
                }
            }
        },
        "OverrideRequest": {
            "type": "object",
            "required": [
                "identity_id",
                "session_id",
                "reason"
            ],
            "properties": {
                "identity_id": {
                    "type": "string",
                    "format": "uuid"
                },
                "session_id": {
                    "type": "string",
                    "format": "uuid"
                },
                "reason": {
                    "type": "string"
                },
                "check_in_time": {
                    "type": "string",
                    "format": "date-time"
                },
                "status": {
                    "type": "string",
                    "enum": [
                        "PRESENT",
                        "LATE",
                        "EXCUSED",
                        "ABSENT"
                    ]
                }
            }
        },
        "SubmitManualRequest": {
            "type": "object",
            "required": [
                "session_id",
                "reason"
            ],
            "properties": {
                "session_id": {
                    "type": "string",
                    "format": "uuid"
                },
                "reason": {
                    "type": "string"
                }
            }
        },
        "DecisionRequest": {
            "type": "object",
            "properties": {
                "note": {
                    "type": "string"
                }
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {
                    "type": "integer"
                },
                "page_size": {
                    "type": "integer"
                },
                "total_count": {
                    "type": "integer"
                }
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {
                    "type": "string"
                },
                "message": {
                    "type": "string"
                },
                "status": {
                    "type": "integer"
                },
                "kind": {
                    "type": "string"
                },
                "details": {
                    "type": "object"
                }
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {
                    "type": "object"
                },
                "error": {
                    "$ref": "#/definitions/APIError"
                },
                "pagination": {
                    "$ref": "#/definitions/Pagination"
                },
                "meta": {
                    "type": "object"
                }
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
