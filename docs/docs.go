// Package docs registers the OpenAPI document served by the swagger UI.
//
// Regenerate with `swag init -g cmd/tixledger/main.go`.
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
        "/events/{id}": {"get": {"summary": "Get event", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}}},
        "/events/{id}/ticket-types": {"get": {"summary": "List ticket types of an event", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/events/{id}/availability": {"get": {"summary": "Get availability", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/events/{id}/holds": {
            "get": {"summary": "List the caller's live holds", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Hold units for the caller", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "some units were rejected"}, "429": {"description": "rate limited"}}},
            "delete": {"summary": "Release the caller's holds", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"204": {"description": "No Content"}}}
        },
        "/events/{id}/holds/{unitId}": {"get": {"summary": "Check whether someone else holds a unit", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "unitId", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/events/{id}/orders": {"post": {"summary": "Create order (idempotent)", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}, {"type": "string", "name": "Idempotency-Key", "in": "header"}], "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}, "409": {"description": "inventory unavailable / idem in progress"}, "502": {"description": "payment gateway unavailable"}}}},
        "/orders/{id}": {"get": {"summary": "Get order with tickets", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}}},
        "/orders/{id}/confirm": {"post": {"summary": "Confirm a gateway order with the buyer's payment proof", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
        "/admin/orders/{id}/cash-payment": {"post": {"summary": "Record box-office payment of a cash order", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request"}, "409": {"description": "Conflict"}}}},
        "/orders/{id}/cancel": {"post": {"summary": "Cancel a pending order", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "Conflict"}}}},
        "/orders/{id}/refunds": {
            "get": {"summary": "List refunds of an order", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}}},
            "post": {"summary": "Refund an order", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"201": {"description": "Created"}, "409": {"description": "Conflict"}, "502": {"description": "Bad Gateway"}}}
        },
        "/tickets/{code}/qr": {"get": {"summary": "Ticket QR code", "produces": ["image/png"], "parameters": [{"type": "string", "name": "code", "in": "path", "required": true}, {"type": "integer", "name": "size", "in": "query"}], "responses": {"200": {"description": "OK"}}}},
        "/tickets/{code}/check-in": {"post": {"summary": "Check a ticket in at the door", "parameters": [{"type": "string", "name": "code", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "already checked in or not issued"}}}},
        "/webhooks/stripe": {"post": {"summary": "Stripe webhook", "parameters": [{"type": "string", "name": "Stripe-Signature", "in": "header", "required": true}], "responses": {"200": {"description": "OK"}, "400": {"description": "invalid signature"}}}},
        "/admin/venues": {"post": {"summary": "Create venue", "responses": {"201": {"description": "Created"}, "409": {"description": "name taken"}}}},
        "/admin/venues/{id}/units": {"post": {"summary": "Add seats and tables to a venue", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"201": {"description": "Created"}}}},
        "/admin/events": {"post": {"summary": "Create draft event", "responses": {"201": {"description": "Created"}}}},
        "/admin/events/{id}/publish": {"post": {"summary": "Publish event", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "not a draft"}}}},
        "/admin/events/{id}/ticket-types": {"post": {"summary": "Create ticket type", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}}},
        "/admin/events/{id}/cancel": {"post": {"summary": "Force-cancel an event and refund its paid orders", "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}], "responses": {"200": {"description": "OK"}, "409": {"description": "already cancelled"}}}}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "tixledger API",
	Description:      "Ticket inventory, orders and refunds.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
